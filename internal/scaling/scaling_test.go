package scaling

import (
	"strings"
	"testing"

	"github.com/benbaptist/rtsp-proxy/internal/frame"
)

func TestDeriveIdentity(t *testing.T) {
	p := Derive(1920, 1080, 1920, 1080)
	if !p.Identity {
		t.Fatalf("expected identity plan for matching dimensions")
	}
	if p.ScaledWidth != 1920 || p.ScaledHeight != 1080 {
		t.Fatalf("identity plan should fill the full output, got %dx%d", p.ScaledWidth, p.ScaledHeight)
	}
}

func TestDeriveLetterbox(t *testing.T) {
	// 640x480 (4:3) into 1920x1080 (16:9): content width capped by height, centered with
	// symmetric horizontal padding (see spec.md scenario 6).
	p := Derive(640, 480, 1920, 1080)
	if p.Identity {
		t.Fatalf("expected a letterbox plan for mismatched aspect ratios")
	}
	if p.ScaledWidth != 1440 || p.ScaledHeight != 1080 {
		t.Fatalf("got scaled %dx%d, want 1440x1080", p.ScaledWidth, p.ScaledHeight)
	}
	if p.PadX != 240 || p.PadY != 0 {
		t.Fatalf("got pad %d,%d want 240,0", p.PadX, p.PadY)
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive(640, 480, 1920, 1080)
	b := Derive(640, 480, 1920, 1080)
	if a != b {
		t.Fatalf("plan derivation is not deterministic: %+v vs %+v", a, b)
	}
}

func TestFilterAlwaysCombinesScaleAndPad(t *testing.T) {
	identity := Derive(1920, 1080, 1920, 1080)
	letterbox := Derive(640, 480, 1920, 1080)

	for _, p := range []Plan{identity, letterbox} {
		f := p.Filter()
		if !strings.Contains(f, "scale=") || !strings.Contains(f, "pad=") {
			t.Fatalf("filter %q must always combine scale and pad, even under identity", f)
		}
	}
}

func TestFrameSizeMatchesResolution(t *testing.T) {
	f := frame.New(4, 2, make([]byte, 4*2*3))
	if !f.Valid() {
		t.Fatalf("expected a correctly sized frame to be valid")
	}
}
