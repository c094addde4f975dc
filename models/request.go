package models

import (
	"fmt"
	"strings"
)

// ScrapeRequest is the payload for POST /scrape. Optional fields are
// pointers so an absent field can be told apart from a present zero.
type ScrapeRequest struct {
	// URL is the target page. Required.
	URL string `json:"url"`

	// Wait is how long to let the page settle after load, in milliseconds.
	Wait *int `json:"wait,omitempty"`

	// MaxScreenshots caps the number of viewport captures.
	MaxScreenshots *int `json:"max_screenshots,omitempty"`

	// BrowserDim is [width, height] of the viewport.
	BrowserDim []int `json:"browser_dim,omitempty"`
}

// Dim is a viewport size in CSS pixels.
type Dim struct {
	Width  int
	Height int
}

// Limits bounds every caller-controlled parameter.
type Limits struct {
	MaxWait            int
	DefaultWait        int
	MaxScreenshots     int
	DefaultScreenshots int
	MinDim             Dim
	MaxDim             Dim
	DefaultDim         Dim
}

// ScrapeParams is a validated request. It is built only by Validate and is
// passed by value from then on.
type ScrapeParams struct {
	URL            string
	WaitMs         int
	MaxScreenshots int
	Viewport       Dim
	Format         ImageFormat
}

// Validate applies defaults to absent fields, checks every bound, then
// negotiates the image format from accept. Checks run in a fixed order and
// the first violation is returned.
func Validate(req ScrapeRequest, accept string, limits Limits) (ScrapeParams, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return ScrapeParams{}, &ValidationError{Field: "url", Message: MsgNoURL}
	}

	wait := limits.DefaultWait
	if req.Wait != nil {
		wait = *req.Wait
	}
	if wait < 0 || wait > limits.MaxWait {
		return ScrapeParams{}, &ValidationError{
			Field:   "wait",
			Message: fmt.Sprintf(`Value %d for "wait" is unacceptable; must be between 0 and %d`, wait, limits.MaxWait),
		}
	}

	dim := limits.DefaultDim
	if req.BrowserDim != nil {
		if len(req.BrowserDim) != 2 {
			return ScrapeParams{}, &ValidationError{
				Field:   "browser_dim",
				Message: fmt.Sprintf(`Value for "browser_dim" must be [width, height]; got %d values`, len(req.BrowserDim)),
			}
		}
		dim = Dim{Width: req.BrowserDim[0], Height: req.BrowserDim[1]}
	}
	if err := checkAxis("width", dim.Width, limits.MinDim.Width, limits.MaxDim.Width); err != nil {
		return ScrapeParams{}, err
	}
	if err := checkAxis("height", dim.Height, limits.MinDim.Height, limits.MaxDim.Height); err != nil {
		return ScrapeParams{}, err
	}

	shots := limits.DefaultScreenshots
	if req.MaxScreenshots != nil {
		shots = *req.MaxScreenshots
	}
	if shots < 0 || shots > limits.MaxScreenshots {
		return ScrapeParams{}, &ValidationError{
			Field:   "max_screenshots",
			Message: fmt.Sprintf(`Value %d for "max_screenshots" is unacceptable; must be between 0 and %d`, shots, limits.MaxScreenshots),
		}
	}

	format, err := NegotiateFormat(accept)
	if err != nil {
		return ScrapeParams{}, err
	}

	return ScrapeParams{
		URL:            url,
		WaitMs:         wait,
		MaxScreenshots: shots,
		Viewport:       dim,
		Format:         format,
	}, nil
}

func checkAxis(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &ValidationError{
			Field:   "browser_dim." + name,
			Message: fmt.Sprintf("Value %d for browser %s is unacceptable; must be between %d and %d", v, name, lo, hi),
		}
	}
	return nil
}
