// Package scaling derives the letterbox scaling plan between input and output resolutions and
// renders the error frame and staleness overlay via OpenCV.
package scaling

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/benbaptist/rtsp-proxy/internal/frame"
)

// Plan describes how the decoder must scale and pad its output to fill the configured output
// resolution while preserving the input's aspect ratio.
type Plan struct {
	InputWidth, InputHeight   int
	OutputWidth, OutputHeight int

	// ScaledWidth/ScaledHeight is the largest region that fits inside the output dimensions at
	// the input aspect ratio.
	ScaledWidth, ScaledHeight int
	// PadX/PadY is the symmetric black padding on each side.
	PadX, PadY int

	Identity bool
}

// Derive computes the scaling plan for (inW,inH) -> (outW,outH). If the dimensions already match,
// the plan is Identity, but callers must still attach an explicit scale filter (see Filter) to
// guarantee the decoder emits exactly outW*outH*3 bytes per frame.
func Derive(inW, inH, outW, outH int) Plan {
	if inW == outW && inH == outH {
		return Plan{
			InputWidth: inW, InputHeight: inH,
			OutputWidth: outW, OutputHeight: outH,
			ScaledWidth: outW, ScaledHeight: outH,
			Identity: true,
		}
	}

	inRatio := float64(inW) / float64(inH)
	outRatio := float64(outW) / float64(outH)

	var scaledW, scaledH int
	if inRatio > outRatio {
		scaledW = outW
		scaledH = int(float64(outW) / inRatio)
	} else {
		scaledH = outH
		scaledW = int(float64(outH) * inRatio)
	}

	return Plan{
		InputWidth: inW, InputHeight: inH,
		OutputWidth: outW, OutputHeight: outH,
		ScaledWidth: scaledW, ScaledHeight: scaledH,
		PadX: (outW - scaledW) / 2,
		PadY: (outH - scaledH) / 2,
	}
}

// Filter renders the plan as an ffmpeg video filter. Always a combined scale+pad expression, even
// under the identity plan, so the decoder's raw output byte count is always exactly
// OutputWidth*OutputHeight*3 regardless of what the source actually delivers.
func (p Plan) Filter() string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:%d:%d:color=black",
		p.OutputWidth, p.OutputHeight, p.OutputWidth, p.OutputHeight, p.PadX, p.PadY,
	)
}

// ErrorFrame renders a black frame of the given resolution with "No frames received" centered in
// white text.
func ErrorFrame(width, height int) frame.Frame {
	mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	defer mat.Close()
	mat.SetTo(gocv.NewScalar(0, 0, 0, 0))

	drawCenteredText(&mat, "No frames received", width, height, color.RGBA{255, 255, 255, 255})

	return matToFrame(&mat, width, height)
}

// StalenessOverlay draws a semi-transparent staleness banner onto a copy of f and returns the
// copy; f itself is never mutated. age is the time since the last frame was received.
func StalenessOverlay(f frame.Frame, ageSeconds float64) frame.Frame {
	width, height := f.Width, f.Height
	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, f.Pixels)
	if err != nil {
		return f.Clone()
	}
	defer mat.Close()
	// NewMatFromBytes aliases the caller's slice; clone it so we never write through to the
	// buffered frame shared with other readers.
	owned := mat.Clone()
	defer owned.Close()

	text := fmt.Sprintf("No frames received for %.1fs", ageSeconds)
	const padding = 10
	textSize := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.8, 2)

	boxW := textSize.X + padding*2
	boxH := textSize.Y + padding*2
	if boxW > width {
		boxW = width
	}
	if boxH > height {
		boxH = height
	}

	roi := owned.Region(image.Rect(0, 0, boxW, boxH))
	overlay := gocv.NewMatWithSize(roi.Rows(), roi.Cols(), roi.Type())
	overlay.SetTo(gocv.NewScalar(0, 0, 0, 0))
	gocv.AddWeighted(roi, 0.7, overlay, 0.3, 0, &roi)
	overlay.Close()

	gocv.PutText(&owned, text, image.Pt(padding, padding+textSize.Y), gocv.FontHersheySimplex, 0.8,
		color.RGBA{255, 255, 255, 255}, 2)
	roi.Close()

	return matToFrame(&owned, width, height)
}

func drawCenteredText(mat *gocv.Mat, text string, width, height int, textColor color.RGBA) {
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 1.2, 2)
	origin := image.Pt((width-size.X)/2, (height+size.Y)/2)
	gocv.PutText(mat, text, origin, gocv.FontHersheySimplex, 1.2, textColor, 2)
}

func matToFrame(mat *gocv.Mat, width, height int) frame.Frame {
	return frame.New(width, height, mat.ToBytes())
}
