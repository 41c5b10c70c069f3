package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xuri/excelize/v2"

	"risktrajectory/internal/model"
)

var eventExportHeader = []string{"ID", "Time (UTC)", "Level", "Title", "Message", "Risk Score", "Top Outcome", "Probability"}

var levelFill = map[model.RiskLevel]string{
	model.LevelGreen:  "#E2F0D9",
	model.LevelYellow: "#FFF2CC",
	model.LevelOrange: "#FCE4D6",
	model.LevelRed:    "#F8CBAD",
}

type exportPayload struct {
	RiskScore float64         `json:"risk_score"`
	Outcomes  []model.Outcome `json:"outcomes"`
}

// GenerateEventsExport renders events (newest first) as a one-sheet workbook.
func GenerateEventsExport(patient model.Patient, events []model.Event) ([]byte, error) {
	f := excelize.NewFile()
	sheet := sheetName("Events " + patient.ID)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	levelStyles := make(map[model.RiskLevel]int, len(levelFill))
	for level, color := range levelFill {
		id, err := f.NewStyle(&excelize.Style{Fill: excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1}})
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create level style: %w", err)
		}
		levelStyles[level] = id
	}

	for col, header := range eventExportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(eventExportHeader), 1)
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, ev := range events {
		row := i + 2
		var p exportPayload
		_ = json.Unmarshal(ev.Payload, &p)
		values := []any{ev.ID, ev.Timestamp.UTC().Format("2006-01-02 15:04:05"), ev.Level.String(), ev.Title, ev.Message, p.RiskScore, "", ""}
		if len(p.Outcomes) > 0 {
			values[6] = p.Outcomes[0].Name
			values[7] = p.Outcomes[0].Probability
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("write row %d: %w", row, err)
			}
		}
		levelCell, _ := excelize.CoordinatesToCellName(3, row)
		if err := f.SetCellStyle(sheet, levelCell, levelCell, levelStyles[ev.Level]); err != nil {
			f.Close()
			return nil, fmt.Errorf("style row %d: %w", row, err)
		}
	}

	_ = f.SetColWidth(sheet, "B", "B", 20)
	_ = f.SetColWidth(sheet, "D", "D", 16)
	_ = f.SetColWidth(sheet, "E", "E", 80)
	_ = f.SetColWidth(sheet, "G", "G", 30)
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// sheetName drops characters Excel forbids and truncates to 31 runes.
func sheetName(name string) string {
	out := make([]rune, 0, 31)
	for _, r := range name {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			continue
		}
		out = append(out, r)
		if len(out) == 31 {
			break
		}
	}
	return string(out)
}
