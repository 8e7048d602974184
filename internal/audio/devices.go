package audio

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// PlaybackDevice 描述一个可用的播放设备。
type PlaybackDevice struct {
	Name      string
	IsDefault bool
}

// ListPlaybackDevices 枚举当前平台的播放设备。priority 的语义与
// SinkConfig.DevicePriority 一致。枚举只是短暂建立上下文，结束后
// 立即释放，不会占用任何设备。
func ListPlaybackDevices(priority []string) ([]PlaybackDevice, error) {
	ctx, err := newContext(priority)
	if err != nil {
		return nil, &DeviceError{Stage: "context", Err: err}
	}
	defer func() {
		ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("枚举播放设备失败: %w", err)
	}

	devices := make([]PlaybackDevice, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, PlaybackDevice{
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}
