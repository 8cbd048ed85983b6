// Package automation declares the desktop-automation and mapping collaborator
// contracts the decision loop dispatches tool calls to. Implementations live
// outside this module; tests use in-memory fakes.
package automation

import (
	"context"
	"time"
)

// Point is a screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Region is a rectangular screen area.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// MouseButton selects which button a click uses.
type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// Driver executes low-level input and capture primitives. Calls are
// order-sensitive: implementations must not reorder or interleave them.
type Driver interface {
	MoveMouse(ctx context.Context, p Point) error
	Click(ctx context.Context, button MouseButton, double bool) error
	Drag(ctx context.Context, from, to Point) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Wait(ctx context.Context, d time.Duration) error

	// Screenshot captures the screen, or only region when non-nil,
	// as PNG bytes.
	Screenshot(ctx context.Context, region *Region) ([]byte, error)

	MousePosition(ctx context.Context) (Point, error)
	ScreenSize(ctx context.Context) (int, int, error)
}

// Mapper stores named points and locates image templates on screen.
type Mapper interface {
	SavePoint(ctx context.Context, name string, p Point) error
	GetPoint(ctx context.Context, name string) (*Point, error)
	DeletePoint(ctx context.Context, name string) error
	ListPoints(ctx context.Context) (map[string]Point, error)

	// FindTemplateOnScreen returns the matched region, or nil when the
	// template is not visible within the timeout.
	FindTemplateOnScreen(ctx context.Context, name string, confidence float64, timeout time.Duration) (*Region, error)
}
