package checkpoint

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/types"
)

func TestMemorySaver_ConcurrentSessions(t *testing.T) {
	testConcurrentSessions(t, NewMemorySaver())
}

func TestSqliteSaver_ConcurrentSessions(t *testing.T) {
	saver, err := NewSqliteSaver(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("NewSqliteSaver: %v", err)
	}
	defer saver.Close()

	testConcurrentSessions(t, saver)
}

func testConcurrentSessions(t *testing.T, saver Saver) {
	const sessions, steps = 8, 20
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < sessions; i++ {
		sessionID := fmt.Sprintf("session-%d", i)
		g.Go(func() error {
			for step := 0; step < steps; step++ {
				cp := NewCheckpoint(sessionID, step, types.StateOf("owner", sessionID, "step", step), "n", "n")
				if err := saver.Save(gctx, cp); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent saves failed: %v", err)
	}

	ids, err := saver.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(ids) != sessions {
		t.Fatalf("expected %d sessions, got %d", sessions, len(ids))
	}

	for _, id := range ids {
		cp, err := saver.Load(ctx, id)
		if err != nil {
			t.Fatalf("Load(%s): %v", id, err)
		}
		if cp.StepIndex != steps-1 {
			t.Errorf("%s: expected latest step %d, got %d", id, steps-1, cp.StepIndex)
		}
		if owner, _ := cp.State.GetString("owner"); owner != id {
			t.Errorf("%s: state leaked from %s", id, owner)
		}
	}
}

func TestMemorySaver_ConcurrentSameStep(t *testing.T) {
	saver := NewMemorySaver()
	ctx := context.Background()

	var wins, conflicts int32
	g := new(errgroup.Group)
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			err := saver.Save(ctx, NewCheckpoint("race", 0, types.NewState(), "n", "n"))
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case stderrors.Is(err, errors.ErrStepConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if wins != 1 {
		t.Errorf("expected exactly one writer to win, got %d", wins)
	}
	if conflicts != 15 {
		t.Errorf("expected 15 conflicts, got %d", conflicts)
	}
}
