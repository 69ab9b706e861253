package storage

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/events"
)

// FileJournal appends one JSON line per trade. It is the audit trail operators
// tail or ship; it is never read back by the matcher.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) AppendTrade(_ context.Context, t core.Trade) error {
	line, err := json.Marshal(events.ToTradeJSON(t))
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.f.Write(append(line, '\n'))
	return err
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ TradeLog = (*FileJournal)(nil)
