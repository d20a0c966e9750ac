package tensor

// Device represents the compute device a tensor is placed on.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
	CUDA
	Vulkan
	Metal
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	case Vulkan:
		return "Vulkan"
	case Metal:
		return "Metal"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// ParseDevice converts a device name ("cpu", "cuda", ...) into a Device.
func ParseDevice(s string) (Device, bool) {
	switch s {
	case "cpu", "CPU":
		return CPU, true
	case "cuda", "CUDA":
		return CUDA, true
	case "vulkan", "Vulkan":
		return Vulkan, true
	case "metal", "Metal":
		return Metal, true
	case "webgpu", "WebGPU":
		return WebGPU, true
	default:
		return CPU, false
	}
}

// buffer is a float32 allocation shared by a tensor and its views.
type buffer struct {
	data []float32
}

func newBuffer(n int) *buffer {
	return &buffer{data: make([]float32, n)}
}
