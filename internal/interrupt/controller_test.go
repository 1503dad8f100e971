package interrupt

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFireMarksRequested(t *testing.T) {
	c := Watch()
	defer c.Stop()

	assert.False(t, c.Requested())
	assert.Equal(t, 0, c.ExitCode())

	c.Fire(syscall.SIGINT)
	assert.True(t, c.Requested())
	assert.Equal(t, syscall.SIGINT, c.Signal())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel not closed after Fire")
	}
}

func TestOnlyFirstSignalCounts(t *testing.T) {
	c := Watch()
	defer c.Stop()

	c.Fire(syscall.SIGTERM)
	c.Fire(syscall.SIGINT)
	assert.Equal(t, syscall.SIGTERM, c.Signal())
}

func TestExitCodeIsNegatedSignalNumber(t *testing.T) {
	c := Watch()
	defer c.Stop()
	c.Fire(syscall.SIGINT)
	assert.Equal(t, -2, c.ExitCode())

	c2 := Watch()
	defer c2.Stop()
	c2.Fire(syscall.SIGTERM)
	assert.Equal(t, -15, c2.ExitCode())
}
