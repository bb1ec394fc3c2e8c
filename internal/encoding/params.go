package encoding

import (
	"strconv"
)

// Tier is an encoder capability class.
type Tier string

const (
	TierGPU      Tier = "gpu"
	TierPlatform Tier = "platform"
	TierSoftware Tier = "software"
)

// ParameterSet holds the codec arguments for one encoder. The quality knob
// is the flag StepDown moves to trade quality for size.
type ParameterSet struct {
	Codec string
	// Knob is the rate-control flag, e.g. -crf or -cq.
	Knob    string
	Quality int
	// Direction is +1 when a larger knob value compresses harder, -1 otherwise.
	Direction int
	Limit     int

	MaxrateKbps int
	BufsizeKbps int
	Extra       []string
	// PreInput is placed before the first -i (device initialization).
	PreInput []string
	// Upload is the filter suffix that moves frames onto the device.
	Upload string
}

// Clone returns a deep copy.
func (p ParameterSet) Clone() ParameterSet {
	out := p
	out.Extra = append([]string(nil), p.Extra...)
	out.PreInput = append([]string(nil), p.PreInput...)
	return out
}

// Args returns the output-side codec arguments.
func (p ParameterSet) Args() []string {
	args := []string{"-c:v", p.Codec}
	args = append(args, p.Extra...)
	if p.Knob != "" {
		args = append(args, p.Knob, strconv.Itoa(p.Quality))
	}
	if p.MaxrateKbps > 0 {
		args = append(args, "-maxrate", strconv.Itoa(p.MaxrateKbps)+"k")
	}
	if p.BufsizeKbps > 0 {
		args = append(args, "-bufsize", strconv.Itoa(p.BufsizeKbps)+"k")
	}
	if p.Upload == "" {
		args = append(args, "-pix_fmt", "yuv420p")
	}
	return args
}

// StepDown returns a set that compresses harder: the quality knob moves step
// units toward its limit and the rate caps shrink by a fifth.
func (p ParameterSet) StepDown(step int) ParameterSet {
	out := p.Clone()
	if step <= 0 {
		step = 1
	}
	if out.Knob != "" {
		out.Quality += out.Direction * step
		if out.Direction > 0 && out.Quality > out.Limit {
			out.Quality = out.Limit
		}
		if out.Direction < 0 && out.Quality < out.Limit {
			out.Quality = out.Limit
		}
	}
	out.MaxrateKbps = scaleRate(out.MaxrateKbps)
	out.BufsizeKbps = scaleRate(out.BufsizeKbps)
	return out
}

const minRateKbps = 200

func scaleRate(kbps int) int {
	if kbps <= 0 {
		return 0
	}
	scaled := kbps * 4 / 5
	if scaled < minRateKbps {
		return minRateKbps
	}
	return scaled
}

func nvencParams() ParameterSet {
	return ParameterSet{
		Codec: "h264_nvenc", Knob: "-cq", Quality: 32, Direction: 1, Limit: 51,
		MaxrateKbps: 2200, BufsizeKbps: 4400,
		Extra: []string{"-preset", "p4", "-rc", "vbr", "-surfaces", "16"},
	}
}

func videotoolboxParams() ParameterSet {
	return ParameterSet{
		Codec: "h264_videotoolbox", Knob: "-q:v", Quality: 60, Direction: -1, Limit: 20,
		MaxrateKbps: 2200,
		Extra:       []string{"-allow_sw", "1", "-realtime", "1"},
	}
}

func qsvParams() ParameterSet {
	return ParameterSet{
		Codec: "h264_qsv", Knob: "-global_quality", Quality: 30, Direction: 1, Limit: 51,
		Extra: []string{"-preset", "medium"},
	}
}

func vaapiParams() ParameterSet {
	return ParameterSet{
		Codec: "h264_vaapi", Knob: "-qp", Quality: 30, Direction: 1, Limit: 51,
		PreInput: []string{"-vaapi_device", "/dev/dri/renderD128"},
		Upload:   "format=nv12,hwupload",
	}
}

func amfParams() ParameterSet {
	return ParameterSet{
		Codec: "h264_amf", Knob: "-qp_p", Quality: 30, Direction: 1, Limit: 51,
		MaxrateKbps: 2200,
		Extra:       []string{"-quality", "balanced", "-rc", "cqp"},
	}
}

func x264Params(threads int) ParameterSet {
	extra := []string{"-preset", "medium"}
	if threads > 0 {
		extra = append(extra, "-threads", strconv.Itoa(threads))
	}
	return ParameterSet{
		Codec: "libx264", Knob: "-crf", Quality: 32, Direction: 1, Limit: 51,
		MaxrateKbps: 2200, BufsizeKbps: 4400,
		Extra: extra,
	}
}
