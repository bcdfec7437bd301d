package metrics

import (
	"bufio"
	"encoding/json"
	"os"

	"golang.org/x/xerrors"
)

// Election metrics computed from a run's state log: how often elections
// fired, how long the cluster took to re-agree on a leader, and how often
// the sitting leader was lost.

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

// Summary aggregates a single run.
type Summary struct {
	NumNodes         int     `json:"num_nodes"`
	NumTicks         int     `json:"num_ticks"`
	Seed             uint64  `json:"seed"`
	TotalTicks       int     `json:"total_ticks"`
	ElectionsStarted int     `json:"elections_started"`
	AgreementTicks   int     `json:"agreement_ticks"`
	LeaderFailures   int     `json:"leader_failures"`
	ConvergenceTimes []int   `json:"convergence_times"`
	MeanConvergence  float64 `json:"mean_convergence"`
	FinalLeader      int     `json:"final_leader"`
	ConvergedAtEnd   bool    `json:"converged_at_end"`
}

// FromStateLog scans a state log and computes the summary.
func FromStateLog(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, xerrors.Errorf("metrics: open state log: %w", err)
	}
	defer f.Close()

	var sum Summary
	sum.FinalLeader = -1

	inElection := make(map[int]bool)
	lostTick := -1

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec stateRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return Summary{}, xerrors.Errorf("metrics: parse state log: %w", err)
		}
		if rec.Metadata {
			sum.NumNodes = rec.NumNodes
			sum.NumTicks = rec.NumTicks
			sum.Seed = rec.Seed
			continue
		}
		sum.TotalTicks++

		var online []nodeState
		onlineSet := make(map[int]bool)
		for _, n := range rec.Nodes {
			if n.Online {
				online = append(online, n)
				onlineSet[n.UID] = true
			}
			// Rising edge of the election flag.
			if n.Election && !inElection[n.UID] {
				sum.ElectionsStarted++
			}
			inElection[n.UID] = n.Election
		}
		if len(online) == 0 {
			continue
		}

		agreed := true
		leader := online[0].Leader
		for _, n := range online[1:] {
			if n.Leader != leader {
				agreed = false
				break
			}
		}
		leaderHealthy := agreed && leader >= 0 && onlineSet[leader]

		if leaderHealthy {
			sum.AgreementTicks++
			sum.FinalLeader = leader
			sum.ConvergedAtEnd = true
			if lostTick >= 0 {
				sum.ConvergenceTimes = append(sum.ConvergenceTimes, rec.Tick-lostTick)
				lostTick = -1
			}
		} else {
			sum.ConvergedAtEnd = false
			if lostTick < 0 {
				lostTick = rec.Tick
				sum.LeaderFailures++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Summary{}, xerrors.Errorf("metrics: read state log: %w", err)
	}

	if len(sum.ConvergenceTimes) > 0 {
		total := 0
		for _, c := range sum.ConvergenceTimes {
			total += c
		}
		sum.MeanConvergence = float64(total) / float64(len(sum.ConvergenceTimes))
	}
	return sum, nil
}
