package audio

import (
	"fmt"
	"sync/atomic"
)

// Ring 是单生产者单消费者的无锁环形缓冲，存放 float32 样本。
// 写端是渲染线程，读端是音频设备回调。两端都不会阻塞：
// 空间不足时 Write 只写入能容纳的部分，数据不足时 Read 只返回
// 已有的部分，剩余由调用方补零。容量必须是 2 的幂，索引用
// 单调递增的计数器，按位与取模。
type Ring struct {
	buf   []float32
	mask  uint64
	read  atomic.Uint64
	write atomic.Uint64
}

// NewRing 创建容量为 capacity 个样本的环形缓冲。
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("环形缓冲容量必须是 2 的幂: %d", capacity)
	}
	return &Ring{
		buf:  make([]float32, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// Write 尽量写入 src，返回实际写入的样本数。缓冲满时立即返回，
// 绝不阻塞。
func (r *Ring) Write(src []float32) int {
	w := r.write.Load()
	free := uint64(len(r.buf)) - (w - r.read.Load())
	n := uint64(len(src))
	if n > free {
		n = free
	}
	for i := uint64(0); i < n; i++ {
		r.buf[(w+i)&r.mask] = src[i]
	}
	r.write.Store(w + n)
	return int(n)
}

// Read 尽量读出样本填入 dst，返回实际读出的样本数。缓冲空时
// 立即返回 0，绝不阻塞，音频回调中可安全调用。
func (r *Ring) Read(dst []float32) int {
	rd := r.read.Load()
	avail := r.write.Load() - rd
	n := uint64(len(dst))
	if n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		dst[i] = r.buf[(rd+i)&r.mask]
	}
	r.read.Store(rd + n)
	return int(n)
}

// Len 返回当前缓冲的样本数。
func (r *Ring) Len() int {
	return int(r.write.Load() - r.read.Load())
}

// Free 返回剩余可写的样本数。
func (r *Ring) Free() int {
	return len(r.buf) - r.Len()
}

// Cap 返回总容量。
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Reset 清空缓冲。只能在读写两端都静止时调用，例如设备停止后。
func (r *Ring) Reset() {
	r.read.Store(0)
	r.write.Store(0)
}
