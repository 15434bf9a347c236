package extract

// sheetChoice is the selected sheet with its scoring context.
type sheetChoice struct {
	Sheet      *Sheet
	Header     rowChoice
	Score      float64
	RunnerUp   float64
	Candidates int
}

func (c sheetChoice) Margin() float64 { return c.Score - c.RunnerUp }

func (c sheetChoice) Ambiguous() bool {
	return c.Candidates >= 2 && c.Margin() < ambiguityMargin
}

func (c sheetChoice) Confidence() float64 {
	if c.Candidates < 2 {
		return c.Score
	}
	damp := 0.5 + 5*c.Margin()
	if damp > 1 {
		damp = 1
	}
	return c.Score * damp
}

// selectSheet scores every visible sheet by its best header candidate and
// picks the highest. Hidden sheets only participate when all sheets are
// hidden. Returns ok=false when no sheet carries a plausible table.
func selectSheet(wb *Workbook) (sheetChoice, bool) {
	best := sheetChoice{}
	for _, sheet := range wb.VisibleSheets() {
		if sheet.Empty() {
			continue
		}
		header, ok := detectHeaderRow(sheet)
		if !ok {
			continue
		}
		best.Candidates++
		switch {
		case header.Score > best.Score:
			best.RunnerUp = best.Score
			best.Score = header.Score
			best.Sheet = sheet
			best.Header = header
		case header.Score > best.RunnerUp:
			best.RunnerUp = header.Score
		}
	}
	return best, best.Sheet != nil
}
