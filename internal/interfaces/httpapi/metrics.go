package httpapi

import (
	"sync"
	"time"
)

// Metrics collects backup counters for the plain-text metrics endpoint.
// It implements application.BackupObserver.
type Metrics struct {
	mu               sync.RWMutex
	startTime        time.Time
	chainHeight      uint64
	lastCycleFrom    uint64
	lastCycleTo      uint64
	lastCycleTxs     int
	lastCycleElapsed time.Duration
	lastCycleTime    time.Time
	cyclesTotal      uint64
	segmentsTotal    uint64
	txsTotal         uint64
	lastSegmentID    string
	lastSegmentBlock uint64
	recoveriesTotal  uint64
	recoveryFailures uint64
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) OnHeight(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chainHeight = height
}

func (m *Metrics) OnSegmentFlushed(segmentID string, lastBlock uint64, txCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segmentsTotal++
	m.txsTotal += uint64(txCount)
	m.lastSegmentID = segmentID
	m.lastSegmentBlock = lastBlock
}

func (m *Metrics) OnCycleDone(fromBlock, toBlock uint64, txCount int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cyclesTotal++
	m.lastCycleFrom = fromBlock
	m.lastCycleTo = toBlock
	m.lastCycleTxs = txCount
	m.lastCycleElapsed = elapsed
	m.lastCycleTime = time.Now()
}

func (m *Metrics) OnRecovery(valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveriesTotal++
	if !valid {
		m.recoveryFailures++
	}
}

type Snapshot struct {
	StartTime        time.Time
	ChainHeight      uint64
	LastCycleFrom    uint64
	LastCycleTo      uint64
	LastCycleTxs     int
	LastCycleElapsed time.Duration
	LastCycleTime    time.Time
	CyclesTotal      uint64
	SegmentsTotal    uint64
	TxsTotal         uint64
	LastSegmentID    string
	LastSegmentBlock uint64
	RecoveriesTotal  uint64
	RecoveryFailures uint64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		StartTime:        m.startTime,
		ChainHeight:      m.chainHeight,
		LastCycleFrom:    m.lastCycleFrom,
		LastCycleTo:      m.lastCycleTo,
		LastCycleTxs:     m.lastCycleTxs,
		LastCycleElapsed: m.lastCycleElapsed,
		LastCycleTime:    m.lastCycleTime,
		CyclesTotal:      m.cyclesTotal,
		SegmentsTotal:    m.segmentsTotal,
		TxsTotal:         m.txsTotal,
		LastSegmentID:    m.lastSegmentID,
		LastSegmentBlock: m.lastSegmentBlock,
		RecoveriesTotal:  m.recoveriesTotal,
		RecoveryFailures: m.recoveryFailures,
	}
}
