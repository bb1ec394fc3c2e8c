package captions

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"
)

// ASSOptions controls the rendered subtitle track.
type ASSOptions struct {
	Title    string
	Width    int
	Height   int
	FontName string
	FontSize int
	// MarginV lifts captions off the bottom edge of the frame.
	MarginV int
}

func (o ASSOptions) withDefaults() ASSOptions {
	if o.Title == "" {
		o.Title = "reelsmith captions"
	}
	if o.Width <= 0 {
		o.Width = 720
	}
	if o.Height <= 0 {
		o.Height = 1280
	}
	if strings.TrimSpace(o.FontName) == "" {
		o.FontName = "Arial"
	}
	if o.FontSize <= 0 {
		o.FontSize = 48
	}
	if o.MarginV <= 0 {
		o.MarginV = o.Height / 8
	}
	return o
}

var assEscaper = strings.NewReplacer("\r", "", "\n", `\N`, "{", `\{`, "}", `\}`)

// WriteASS renders lines as an Advanced SubStation Alpha track.
func WriteASS(w io.Writer, lines []Line, opts ASSOptions) error {
	opts = opts.withDefaults()
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "[Script Info]\nTitle: %s\nScriptType: v4.00+\nWrapStyle: 2\nPlayResX: %d\nPlayResY: %d\nScaledBorderAndShadow: yes\n\n",
		opts.Title, opts.Width, opts.Height)
	bw.WriteString("[V4+ Styles]\n")
	bw.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	fmt.Fprintf(bw, "Style: Default,%s,%d,&H00FFFFFF,&H000000FF,&H00000000,&H80000000,-1,0,0,0,100,100,0,0,1,3,0,2,40,40,%d,1\n\n",
		opts.FontName, opts.FontSize, opts.MarginV)
	bw.WriteString("[Events]\n")
	bw.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, line := range lines {
		fmt.Fprintf(bw, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			FormatTimestamp(line.Start), FormatTimestamp(line.End), assEscaper.Replace(line.Text))
	}
	return bw.Flush()
}

// FormatTimestamp renders seconds as H:MM:SS.CC.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	cs := int64(math.Round(seconds * 100))
	return fmt.Sprintf("%d:%02d:%02d.%02d", cs/360000, (cs/6000)%60, (cs/100)%60, cs%100)
}
