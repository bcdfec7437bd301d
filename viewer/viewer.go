package viewer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/xerrors"
)

// Terminal replay of a finished run's state log: one table per tick,
// stepped with the arrow keys.

type nodeState struct {
	UID      int  `json:"uid"`
	Online   bool `json:"online"`
	Leader   int  `json:"leader"`
	Election bool `json:"election"`
	LastHB   int  `json:"last_hb"`
}

type stateRecord struct {
	Metadata bool        `json:"metadata"`
	NumNodes int         `json:"num_nodes"`
	NumTicks int         `json:"num_ticks"`
	Seed     uint64      `json:"seed"`
	Tick     int         `json:"tick"`
	Nodes    []nodeState `json:"nodes"`
}

type replay struct {
	numNodes int
	numTicks int
	seed     uint64
	ticks    []stateRecord
}

func loadStateLog(path string) (*replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("viewer: open state log: %w", err)
	}
	defer f.Close()

	r := &replay{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec stateRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, xerrors.Errorf("viewer: parse state log: %w", err)
		}
		if rec.Metadata {
			r.numNodes = rec.NumNodes
			r.numTicks = rec.NumTicks
			r.seed = rec.Seed
			continue
		}
		r.ticks = append(r.ticks, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("viewer: read state log: %w", err)
	}
	if len(r.ticks) == 0 {
		return nil, xerrors.New("viewer: state log contains no ticks")
	}
	return r, nil
}

func renderTick(r *replay, index int, header *tview.TextView, table *tview.Table) {
	rec := r.ticks[index]
	header.SetText(fmt.Sprintf(" seed=%d  nodes=%d  tick %d/%d   (left/right: step, q: quit)",
		r.seed, r.numNodes, rec.Tick, r.numTicks-1))

	table.Clear()
	for col, title := range []string{"UID", "ONLINE", "LEADER", "ELECTION", "LAST HB"} {
		table.SetCell(0, col, tview.NewTableCell(title).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}
	for row, n := range rec.Nodes {
		online := "yes"
		color := tcell.ColorWhite
		if !n.Online {
			online = "no"
			color = tcell.ColorGray
		}
		election := ""
		if n.Election {
			election = "electing"
		}
		leader := fmt.Sprintf("%d", n.Leader)
		if n.Leader == n.UID {
			leader += " (self)"
		}
		cells := []string{
			fmt.Sprintf("%d", n.UID),
			online,
			leader,
			election,
			fmt.Sprintf("%d", n.LastHB),
		}
		for col, text := range cells {
			table.SetCell(row+1, col, tview.NewTableCell(text).SetTextColor(color))
		}
	}
}

// Run opens the replay UI for the given state log and blocks until the
// user quits.
func Run(stateLogPath string) error {
	r, err := loadStateLog(stateLogPath)
	if err != nil {
		return err
	}

	app := tview.NewApplication()
	header := tview.NewTextView()
	table := tview.NewTable().SetBorders(false)
	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 1, 0, false).
		AddItem(table, 0, 1, true)

	index := 0
	renderTick(r, index, header, table)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyRight:
			if index < len(r.ticks)-1 {
				index++
				renderTick(r, index, header, table)
			}
			return nil
		case tcell.KeyLeft:
			if index > 0 {
				index--
				renderTick(r, index, header, table)
			}
			return nil
		case tcell.KeyEscape:
			app.Stop()
			return nil
		}
		if event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	return app.SetRoot(flex, true).Run()
}
