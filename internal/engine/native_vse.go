//go:build vse

package engine

/*
#cgo LDFLAGS: -lvse_engine

#include <stdlib.h>

typedef struct {
	int         note_number;
	float       start_time;
	float       duration;
	int         velocity;
	const char* phonemes[8];
	int         phoneme_count;
} CNoteEvent;

typedef struct {
	CNoteEvent* notes;
	int         note_count;
	int         sample_rate;
} CSynthesisRequest;

extern int    init_engine(const char* voice_name, const char* voice_path);
extern float* request_synthesis_full(CSynthesisRequest req, int* out_count);
extern void   vse_free_buffer(float* buffer);
extern void   terminate_engine(void);
*/
import "C"

import "unsafe"

// vseBackend 封装 libvse_engine 的四个入口。库在链接期绑定，
// init_engine 负责加载音源并重置引擎内部缓存。
type vseBackend struct{}

// NewVSEBackend 创建原生引擎后端。
func NewVSEBackend() (Backend, error) {
	return &vseBackend{}, nil
}

func (v *vseBackend) Init(voiceName, voicePath string) error {
	cName := C.CString(voiceName)
	defer C.free(unsafe.Pointer(cName))
	cPath := C.CString(voicePath)
	defer C.free(unsafe.Pointer(cPath))

	status := int(C.init_engine(cName, cPath))
	if status != 0 {
		return &BackendInitError{Voice: voiceName, Status: status}
	}
	return nil
}

func (v *vseBackend) Terminate() {
	C.terminate_engine()
}

func (v *vseBackend) RenderFull(req *Request) (NativeBuffer, error) {
	count := len(req.Notes)
	if count == 0 {
		return nil, &BackendCallError{Reason: "空请求"}
	}

	notes := (*C.CNoteEvent)(C.calloc(C.size_t(count), C.size_t(unsafe.Sizeof(C.CNoteEvent{}))))
	defer C.free(unsafe.Pointer(notes))
	noteSlice := unsafe.Slice(notes, count)

	// 音素名拷贝到 C 内存，调用返回之后才释放。
	var cstrs []unsafe.Pointer
	defer func() {
		for _, p := range cstrs {
			C.free(p)
		}
	}()

	for i, rec := range req.Notes {
		noteSlice[i].note_number = C.int(rec.NoteNumber)
		noteSlice[i].start_time = C.float(rec.Start)
		noteSlice[i].duration = C.float(rec.Duration)
		noteSlice[i].velocity = C.int(rec.Velocity)
		for j, ph := range rec.Phonemes {
			if j >= MaxPhonemesPerRecord {
				break
			}
			cs := C.CString(ph)
			cstrs = append(cstrs, unsafe.Pointer(cs))
			noteSlice[i].phonemes[j] = cs
		}
		noteSlice[i].phoneme_count = C.int(len(rec.Phonemes))
	}

	creq := C.CSynthesisRequest{
		notes:       notes,
		note_count:  C.int(count),
		sample_rate: C.int(req.SampleRate),
	}
	var outCount C.int
	ptr := C.request_synthesis_full(creq, &outCount)
	if ptr == nil || outCount <= 0 {
		return nil, &BackendCallError{Reason: "引擎返回空缓冲区"}
	}
	return &vseBuffer{ptr: ptr, count: int(outCount)}, nil
}

// vseBuffer 持有引擎侧缓冲区指针，Release 后置空。
type vseBuffer struct {
	ptr   *C.float
	count int
}

func (b *vseBuffer) Samples() []float32 {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(b.ptr)), b.count)
}

func (b *vseBuffer) Release() {
	if b.ptr == nil {
		return
	}
	C.vse_free_buffer(b.ptr)
	b.ptr = nil
}
