package render

import "time"

// Format selects how page size is decided.
type Format string

const (
	// FormatAutoHeight prints one continuous page as tall as the content.
	FormatAutoHeight Format = "auto-height"
	// FormatA4 lets the browser paginate onto A4 sheets.
	FormatA4 Format = "fixed-A4"
)

// Profile is the sizing and retry configuration for one render.
type Profile struct {
	Name          string
	Timeout       time.Duration
	WaitAfterLoad time.Duration
	// MaxHeightPx clamps the measured content height for auto-height output.
	MaxHeightPx int
	Scale       float64
	// WidthPx is the printed page width before scaling.
	WidthPx        int
	ViewportWidth  int
	ViewportHeight int
	Format         Format
	AutoScroll     bool
	// Attempts is the total number of tries, including the first.
	Attempts  int
	RetryBase time.Duration
}

const (
	ProfileStandard = "standard"
	ProfilePrint    = "print"
	ProfileMagazine = "magazine"
)

// Standard is the long single-page profile used by the CRM documents.
func Standard() Profile {
	return Profile{
		Name:           ProfileStandard,
		Timeout:        120 * time.Second,
		WaitAfterLoad:  4 * time.Second,
		MaxHeightPx:    200000,
		Scale:          0.75,
		WidthPx:        650,
		ViewportWidth:  400,
		ViewportHeight: 800,
		Format:         FormatAutoHeight,
		AutoScroll:     true,
		Attempts:       3,
		RetryBase:      1500 * time.Millisecond,
	}
}

// Print paginates onto A4 with print margins.
func Print() Profile {
	return Profile{
		Name:           ProfilePrint,
		Timeout:        45 * time.Second,
		WaitAfterLoad:  4 * time.Second,
		Scale:          1,
		ViewportWidth:  400,
		ViewportHeight: 800,
		Format:         FormatA4,
		Attempts:       3,
		RetryBase:      1500 * time.Millisecond,
	}
}

// Magazine is a wider single page at 1x scale.
func Magazine() Profile {
	return Profile{
		Name:           ProfileMagazine,
		Timeout:        45 * time.Second,
		WaitAfterLoad:  4 * time.Second,
		MaxHeightPx:    50000,
		Scale:          1,
		WidthPx:        850,
		ViewportWidth:  850,
		ViewportHeight: 800,
		Format:         FormatAutoHeight,
		Attempts:       3,
		RetryBase:      1500 * time.Millisecond,
	}
}

// Lookup returns the named profile. An empty name is the standard profile.
func Lookup(name string) (Profile, bool) {
	switch name {
	case "", ProfileStandard:
		return Standard(), true
	case ProfilePrint:
		return Print(), true
	case ProfileMagazine:
		return Magazine(), true
	}
	return Profile{}, false
}

// Names lists the known profile names.
func Names() []string {
	return []string{ProfileStandard, ProfilePrint, ProfileMagazine}
}

// pageSize returns the paper size in inches for auto-height output given
// the measured content height in CSS pixels.
func (p Profile) pageSize(contentHeight int64) (width, height float64) {
	h := contentHeight
	if p.MaxHeightPx > 0 && h > int64(p.MaxHeightPx) {
		h = int64(p.MaxHeightPx)
	}
	scale := p.Scale
	if scale <= 0 {
		scale = 1
	}
	// +2px keeps the last line from being cut.
	return pxToInches(float64(p.WidthPx) * scale), pxToInches(float64(h+2) * scale)
}

func pxToInches(px float64) float64 { return px / 96 }

func mmToInches(mm float64) float64 { return mm / 25.4 }
