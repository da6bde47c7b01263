package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-hub/internal/position"
)

type stillSession struct{}

func (stillSession) Identity() (Identity, error)       { return Identity{Name: "still", Serial: "0"}, nil }
func (stillSession) IsBusy() (bool, error)             { return false, nil }
func (stillSession) Close() error                      { return nil }
func (stillSession) GetPosition() (float64, error)     { return 0, nil }
func (stillSession) SetPositionAbsolute(float64) error { return nil }

// Commands still sitting in the mailbox after the worker exits were never
// reported as accepted.
func TestEnqueueRacingShutdown(t *testing.T) {
	for round := 0; round < 50; round++ {
		a, err := New(Config{
			Name:         "D1",
			Dial:         func(context.Context, string) (Session, error) { return stillSession{}, nil },
			Calibration:  position.Calibration{ScaleFactor: 1},
			PollInterval: time.Millisecond,
			QueueSize:    1024,
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		go a.Run(ctx)
		_, err = a.Do(ctx, Initialize())
		require.NoError(t, err)

		var (
			mu       sync.Mutex
			accepted = map[uuid.UUID]bool{}
			wg       sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					cmd := GetPosition()
					cmd.ID = uuid.New()
					if a.Enqueue(cmd) == nil {
						mu.Lock()
						accepted[cmd.ID] = true
						mu.Unlock()
					}
				}
			}()
		}
		time.Sleep(time.Duration(round%5) * 100 * time.Microsecond)
		require.NoError(t, a.Enqueue(Shutdown()))
		<-a.Done()
		wg.Wait()
		cancel()

	leftover:
		for {
			select {
			case cmd := <-a.mailbox:
				assert.False(t, accepted[cmd.ID], "accepted command %s left unexecuted", cmd.ID)
			default:
				break leftover
			}
		}
	}
}
