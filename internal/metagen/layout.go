package metagen

// Position is a placement on a sheet.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Value returns p in the shape stored in member registries.
func (p Position) Value() map[string]any {
	return map[string]any{"x": p.X, "y": p.Y}
}

// Layout places new sheet members on a grid. Each sheet keeps its own
// counter, seeded from the number of members it already has, so a Layout
// is good for one Generate call.
type Layout struct {
	OriginX, OriginY int
	StepX, StepY     int
	Columns          int

	placed map[string]int
}

// NewLayout returns the default grid: five columns, 160x100 cells.
func NewLayout() *Layout {
	return &Layout{OriginX: 20, OriginY: 20, StepX: 160, StepY: 100, Columns: 5}
}

// seed starts the counter for sheet at n unless it is already running.
func (l *Layout) seed(sheet string, n int) {
	if l.placed == nil {
		l.placed = map[string]int{}
	}
	if _, ok := l.placed[sheet]; !ok {
		l.placed[sheet] = n
	}
}

// Next returns the position of the next member placed on sheet.
func (l *Layout) Next(sheet string) Position {
	l.seed(sheet, 0)
	i := l.placed[sheet]
	l.placed[sheet] = i + 1

	cols := l.Columns
	if cols < 1 {
		cols = 1
	}
	return Position{
		X: l.OriginX + (i%cols)*l.StepX,
		Y: l.OriginY + (i/cols)*l.StepY,
	}
}
