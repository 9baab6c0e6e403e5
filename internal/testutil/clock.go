package testutil

import (
	"strconv"
	"sync/atomic"
	"time"

	"hsbackup/internal/backup"
)

// FixedTime is the start time of FixedClock. Package names have one-second
// resolution, so the first run on a fresh Env is always
// homeserver_backup_20240115_103000.
var FixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.Local)

// StubClock is a manually driven backup.Clock.
type StubClock struct {
	nanos atomic.Int64
}

var _ backup.Clock = (*StubClock)(nil)

// NewStubClock creates a StubClock reading t.
func NewStubClock(t time.Time) *StubClock {
	c := &StubClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

// FixedClock returns a StubClock reading FixedTime.
func FixedClock() *StubClock {
	return NewStubClock(FixedTime)
}

func (c *StubClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).In(time.Local)
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

// SealedPackage returns the sealed package name a backup started now
// would get.
func (c *StubClock) SealedPackage() string {
	return backup.SealedFileName(backup.PackageBaseName(c.Now()))
}

// StubIDGenerator hands out run ids "id-1", "id-2" and so on.
type StubIDGenerator struct {
	next atomic.Int64
}

var _ backup.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	return "id-" + strconv.FormatInt(g.next.Add(1), 10)
}
