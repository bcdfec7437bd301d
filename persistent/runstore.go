package persistent

// Bolt is a pure Go key/value store that doesn't require a full database
// server; one file holds the whole archive of simulation runs.

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"golang.org/x/xerrors"
)

var runsBucketName = []byte("runs")

// RunSummary is the archived outcome of a single simulation run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	CompletedAt time.Time `json:"completed_at"`

	NumNodes int     `json:"num_nodes"`
	NumTicks int     `json:"num_ticks"`
	Seed     uint64  `json:"seed"`
	PFail    float64 `json:"p_fail"`
	PDrop    float64 `json:"p_drop"`

	FinalLeader      int     `json:"final_leader"`
	ConvergedAtEnd   bool    `json:"converged_at_end"`
	ElectionsStarted int     `json:"elections_started"`
	AgreementTicks   int     `json:"agreement_ticks"`
	LeaderFailures   int     `json:"leader_failures"`
	MeanConvergence  float64 `json:"mean_convergence"`

	StateLogFile   string `json:"state_log_file"`
	MessageLogFile string `json:"message_log_file"`
}

// RunStore is a run archive backed by a Bolt DB.
type RunStore struct {
	db *bolt.DB
}

func NewRunStore(dataBaseFilePath string) (RunStore, error) {
	db, err := bolt.Open(dataBaseFilePath, 0600, nil)
	if err != nil {
		return RunStore{}, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucketName)
		return err
	})
	if err != nil {
		return RunStore{}, err
	}

	return RunStore{db: db}, nil
}

func (store RunStore) Save(summary RunSummary) error {
	if summary.RunID == "" {
		return xerrors.New("runstore: summary has no run id")
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucketName)
		return bucket.Put([]byte(summary.RunID), data)
	})
}

func (store RunStore) Get(runID string) (RunSummary, error) {
	var summary RunSummary
	err := store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucketName)
		data := bucket.Get([]byte(runID))
		if data == nil {
			return xerrors.Errorf("runstore: no run with id %s", runID)
		}
		return json.Unmarshal(data, &summary)
	})
	return summary, err
}

func (store RunStore) List() ([]RunSummary, error) {
	var summaries []RunSummary
	err := store.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(runsBucketName)
		return bucket.ForEach(func(k, v []byte) error {
			var summary RunSummary
			if err := json.Unmarshal(v, &summary); err != nil {
				return err
			}
			summaries = append(summaries, summary)
			return nil
		})
	})
	return summaries, err
}

func (store RunStore) Close() error {
	return store.db.Close()
}
