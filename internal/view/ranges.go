package view

import (
	"errors"
	"fmt"
)

// Pin names the end of a group a range is measured from.
type Pin uint8

const (
	PinBeginning Pin = iota
	PinEnd
)

func (p Pin) String() string {
	if p == PinEnd {
		return "end"
	}
	return "beginning"
}

// GrowOptions say whether a flexible range takes in rows inserted right
// next to it. Rows inserted between two rows of the range are always taken
// in.
type GrowOptions uint8

const (
	GrowPinSide GrowOptions = 1 << iota
	GrowNonPinSide

	GrowInRangeOnly GrowOptions = 0
	GrowOnBothSides             = GrowPinSide | GrowNonPinSide
)

// RangeOptions limit a section to a window of its group. Positions count in
// presentation order, so a reversed group pinned to its beginning shows the
// last rows of the view's group.
type RangeOptions struct {
	// Length is the number of rows shown; the initial length of a
	// flexible range.
	Length int
	// Offset is the distance between the window and the pinned end.
	Offset int
	Pin    Pin

	// Flexible ranges follow the rows they show. Their length changes as
	// rows are inserted or deleted inside them and their offset changes as
	// rows come and go outside them. Fixed ranges keep Length and Offset.
	Flexible bool
	// MaxLength caps a flexible range; 0 means no cap. Rows beyond the cap
	// are dropped on the side away from the pin.
	MaxLength int
	// MinLength keeps a flexible range from shrinking below it while the
	// group has the rows.
	MinLength int
	Grow      GrowOptions
}

// FixedRange shows length rows, offset rows away from the pinned end.
func FixedRange(length, offset int, pin Pin) RangeOptions {
	return RangeOptions{Length: length, Offset: offset, Pin: pin}
}

// FlexibleRange starts out like FixedRange and grows with rows inserted on
// its pinned side.
func FlexibleRange(length, offset int, pin Pin) RangeOptions {
	return RangeOptions{Length: length, Offset: offset, Pin: pin, Flexible: true, Grow: GrowPinSide}
}

func (o RangeOptions) validate() error {
	var errs []error
	if o.Length < 0 {
		errs = append(errs, fmt.Errorf("length %d is negative", o.Length))
	}
	if o.Offset < 0 {
		errs = append(errs, fmt.Errorf("offset %d is negative", o.Offset))
	}
	if o.Pin != PinBeginning && o.Pin != PinEnd {
		errs = append(errs, fmt.Errorf("unknown pin %d", o.Pin))
	}
	if o.MaxLength < 0 || o.MinLength < 0 {
		errs = append(errs, errors.New("length limits must not be negative"))
	}
	if o.MaxLength > 0 && o.MinLength > o.MaxLength {
		errs = append(errs, fmt.Errorf("min length %d exceeds max length %d", o.MinLength, o.MaxLength))
	}
	return errors.Join(errs...)
}

// growsTop reports whether a flexible range takes in rows inserted right
// before its first row.
func (o RangeOptions) growsTop() bool {
	if o.Pin == PinBeginning {
		return o.Grow&GrowPinSide != 0
	}
	return o.Grow&GrowNonPinSide != 0
}

func (o RangeOptions) growsBottom() bool {
	if o.Pin == PinEnd {
		return o.Grow&GrowPinSide != 0
	}
	return o.Grow&GrowNonPinSide != 0
}

// RangePosition places the window of a section inside its group.
type RangePosition struct {
	OffsetFromBeginning int
	OffsetFromEnd       int
	Length              int
}

// window is the part of a group a section shows, in presentation order.
type window struct {
	start, length int
}

func (w window) end() int { return w.start + w.length }

// place positions length rows offset rows away from the pinned end of a
// group of n rows, clipped to the group.
func place(n, length, offset int, pin Pin) window {
	if pin == PinEnd {
		end := max(n-offset, 0)
		start := max(end-length, 0)
		return window{start: start, length: end - start}
	}
	start := min(offset, n)
	return window{start: start, length: min(length, n-start)}
}

// bound applies the length limits of a flexible range to w in a group of
// n rows.
func (o RangeOptions) bound(w window, n int) window {
	if o.MaxLength > 0 && w.length > o.MaxLength {
		if o.Pin == PinEnd {
			w.start += w.length - o.MaxLength
		}
		w.length = o.MaxLength
	}
	for w.length < o.MinLength && w.length < n {
		grewAway := false
		if o.Pin == PinBeginning && w.end() < n {
			grewAway = true
		} else if o.Pin == PinEnd && w.start > 0 {
			w.start--
			grewAway = true
		}
		if !grewAway && o.Pin == PinBeginning {
			w.start--
		}
		w.length++
	}
	return w
}

// initial is the window of a range that has no history yet.
func (o RangeOptions) initial(n int) window {
	w := place(n, o.Length, o.Offset, o.Pin)
	if o.Flexible {
		w = o.bound(w, n)
	}
	return w
}

// follow moves a flexible range of group g along with the rows it showed.
// Rows that stayed in place anchor the window; rows inserted or moved in
// between anchors join it, and rows inserted right next to it join as the
// grow options allow. Without anchors the window covers whatever was
// inserted where it used to be.
func (o RangeOptions) follow(g string, prior, cur *frame, tk *tracker) window {
	pw := prior.windows[g]
	n := cur.counts[g]
	after := tk.after[g]

	// class is -1 above the prior window, 0 inside, 1 below, 2 for rows
	// that have no place in the prior order.
	class := func(p int) int {
		tr := tk.tracks[after[cur.flip(g, p, n)]]
		if !tr.anchored || tr.fromGroup != g {
			return 2
		}
		pp := prior.flip(g, tr.from, prior.counts[g])
		switch {
		case pp < pw.start:
			return -1
		case pp >= pw.end():
			return 1
		}
		return 0
	}

	gapStart, gapEnd := 0, n
	first, last := -1, -1
	for p := range n {
		switch class(p) {
		case -1:
			gapStart = p + 1
		case 0:
			if first < 0 {
				first = p
			}
			last = p
		case 1:
			if gapEnd == n {
				gapEnd = p
			}
		}
	}

	var w window
	switch {
	case first >= 0:
		start, end := first, last+1
		if o.growsTop() {
			start = gapStart
		}
		if o.growsBottom() {
			end = gapEnd
		}
		w = window{start: start, length: end - start}
	case o.Grow != GrowInRangeOnly:
		w = window{start: gapStart, length: max(gapEnd-gapStart, 0)}
	case o.Pin == PinEnd:
		w = window{start: gapEnd}
	default:
		w = window{start: gapStart}
	}
	return o.bound(w, n)
}
