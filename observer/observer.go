package observer

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/dslabs/bullysim/common"
)

// Config selects the three log streams. An empty DebugLogFile disables the
// debug stream.
type Config struct {
	StateLogFile   string
	MessageLogFile string
	DebugLogFile   string
	Verbose        bool
}

func DefaultConfig() Config {
	return Config{
		StateLogFile:   "state_log.jsonl",
		MessageLogFile: "message_log.jsonl",
		DebugLogFile:   "debug_log.jsonl",
		Verbose:        true,
	}
}

// Observer turns the per-tick gather into three append-only JSONL streams.
// It consumes copies handed up by the orchestrator and never touches node
// state. Streams are flushed every tick so an external consumer tailing
// the files sees progress at tick granularity.
type Observer struct {
	stateFile *os.File
	msgFile   *os.File
	debugFile *os.File
	stateW    *bufio.Writer
	msgW      *bufio.Writer
	debugW    *bufio.Writer

	log     zerolog.Logger
	verbose bool
}

// Line shapes. Field order fixes the JSON key order.

type metadataLine struct {
	Metadata bool   `json:"metadata"`
	NumNodes int    `json:"num_nodes"`
	NumTicks int    `json:"num_ticks"`
	Seed     uint64 `json:"seed"`
}

type nodeStateLine struct {
	UID      int  `json:"uid"`
	Online   bool `json:"online"`
	Leader   int  `json:"leader"`
	Election bool `json:"election"`
	LastHB   int  `json:"last_hb"`
}

type stateLine struct {
	Tick  int             `json:"tick"`
	Nodes []nodeStateLine `json:"nodes"`
}

type messageLine struct {
	Tick    int    `json:"tick"`
	Type    string `json:"type"`
	Src     int    `json:"src"`
	Dst     int    `json:"dst"`
	Dropped bool   `json:"dropped"`
	Dir     string `json:"dir"`
}

type debugLine struct {
	Tick int    `json:"tick"`
	UID  int    `json:"uid"`
	Msg  string `json:"msg"`
}

// Open creates the log streams. Failure to open any configured stream is
// fatal for the run; the debug stream is optional in that an empty
// DebugLogFile skips it.
func Open(cfg Config, logger zerolog.Logger) (*Observer, error) {
	o := &Observer{log: logger, verbose: cfg.Verbose}

	var err error
	o.stateFile, err = os.Create(cfg.StateLogFile)
	if err != nil {
		return nil, xerrors.Errorf("observer: open state log: %w", err)
	}
	o.msgFile, err = os.Create(cfg.MessageLogFile)
	if err != nil {
		closeErr := o.stateFile.Close()
		return nil, multierr.Append(xerrors.Errorf("observer: open message log: %w", err), closeErr)
	}
	if cfg.DebugLogFile != "" {
		o.debugFile, err = os.Create(cfg.DebugLogFile)
		if err != nil {
			closeErr := multierr.Combine(o.stateFile.Close(), o.msgFile.Close())
			return nil, multierr.Append(xerrors.Errorf("observer: open debug log: %w", err), closeErr)
		}
		o.debugW = bufio.NewWriter(o.debugFile)
	}
	o.stateW = bufio.NewWriter(o.stateFile)
	o.msgW = bufio.NewWriter(o.msgFile)
	return o, nil
}

// writeLine writes v as one JSON line. HTML escaping is off so debug
// messages keep their "<-" and "->" arrows verbatim.
func writeLine(w *bufio.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// WriteMetadata emits the single metadata record heading the state log.
func (o *Observer) WriteMetadata(numNodes, numTicks int, seed uint64) error {
	err := writeLine(o.stateW, metadataLine{
		Metadata: true,
		NumNodes: numNodes,
		NumTicks: numTicks,
		Seed:     seed,
	})
	if err != nil {
		return xerrors.Errorf("observer: write metadata: %w", err)
	}
	return o.stateW.Flush()
}

// RecordTick writes one tick's gathered records. The records must already
// be in ascending UID order; the orchestrator guarantees that.
func (o *Observer) RecordTick(t int, records []common.TickRecord) error {
	states := stateLine{Tick: t, Nodes: make([]nodeStateLine, 0, len(records))}
	for _, rec := range records {
		states.Nodes = append(states.Nodes, nodeStateLine{
			UID:      rec.Report.UID,
			Online:   rec.Report.Online,
			Leader:   rec.Report.LeaderUID,
			Election: rec.Report.ElectionActive,
			LastHB:   rec.Report.LastHBTick,
		})
	}
	if err := writeLine(o.stateW, states); err != nil {
		return xerrors.Errorf("observer: write state: %w", err)
	}

	for _, rec := range records {
		for _, e := range rec.Events {
			line := messageLine{
				Tick:    e.Tick,
				Type:    e.Kind.String(),
				Src:     e.SrcUID,
				Dst:     e.DstUID,
				Dropped: e.Dropped,
				Dir:     e.Dir.String(),
			}
			if err := writeLine(o.msgW, line); err != nil {
				return xerrors.Errorf("observer: write message event: %w", err)
			}
		}
	}

	for _, rec := range records {
		for _, d := range rec.Debug {
			if o.debugW != nil {
				if err := writeLine(o.debugW, debugLine{Tick: d.Tick, UID: d.UID, Msg: d.Msg}); err != nil {
					return xerrors.Errorf("observer: write debug entry: %w", err)
				}
			}
			if o.verbose {
				o.log.Debug().Int("tick", d.Tick).Int("uid", d.UID).Msg(d.Msg)
			}
		}
	}
	return o.flush()
}

func (o *Observer) flush() error {
	err := multierr.Combine(o.stateW.Flush(), o.msgW.Flush())
	if o.debugW != nil {
		err = multierr.Append(err, o.debugW.Flush())
	}
	return err
}

func (o *Observer) Close() error {
	err := o.flush()
	err = multierr.Append(err, o.stateFile.Close())
	err = multierr.Append(err, o.msgFile.Close())
	if o.debugFile != nil {
		err = multierr.Append(err, o.debugFile.Close())
	}
	return err
}
