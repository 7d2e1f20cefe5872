package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCoordinator() *Coordinator {
	return NewCoordinator(Config{})
}

// pendingID polls until exactly one pending request exists for taskID and
// returns its ID.
func pendingID(t *testing.T, c *Coordinator, taskID string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending := c.PendingRequests(taskID)
		if len(pending) == 1 {
			return pending[0].RequestID
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no pending request appeared for task %q", taskID)
	return ""
}

func TestRequest_ResolvedByRetry(t *testing.T) {
	c := newTestCoordinator()

	type result struct {
		resp *Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := c.Request(context.Background(), Spec{
			TaskID:  "t1",
			Kind:    "captcha",
			Message: "solve",
			Timeout: 5 * time.Second,
		})
		resCh <- result{resp, err}
	}()

	id := pendingID(t, c, "t1")
	if !c.Respond(id, "Retry", "") {
		t.Fatal("Respond returned false for pending request")
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			t.Fatalf("Request returned error: %v", res.err)
		}
		if res.resp.Action != "Retry" {
			t.Fatalf("action = %q, want Retry", res.resp.Action)
		}
		if res.resp.RequestID != id {
			t.Fatalf("response request id = %q, want %q", res.resp.RequestID, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("waiter did not return before the timeout")
	}

	req, ok := c.Get(id)
	if !ok || req.Status != StatusResolved {
		t.Fatalf("stored status = %v, want resolved", req.Status)
	}
}

func TestRequest_TimeoutExpires(t *testing.T) {
	c := newTestCoordinator()

	start := time.Now()
	_, err := c.Request(context.Background(), Spec{
		TaskID:  "t1",
		Kind:    "confirmation",
		Message: "nobody answers",
		Timeout: 200 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timeout fired after %s, want ~200ms", elapsed)
	}

	pending := c.PendingRequests("")
	if len(pending) != 0 {
		t.Fatalf("pending after expiry = %d, want 0", len(pending))
	}
	// The expired request is still queryable.
	var id string
	c.mu.Lock()
	for reqID := range c.requests {
		id = reqID
	}
	c.mu.Unlock()
	req, ok := c.Get(id)
	if !ok || req.Status != StatusExpired {
		t.Fatalf("stored status = %v, want expired", req.Status)
	}
}

func TestRespond_IdempotentRejection(t *testing.T) {
	c := newTestCoordinator()

	go func() {
		_, _ = c.Request(context.Background(), Spec{TaskID: "t1", Kind: "captcha", Message: "m", Timeout: 5 * time.Second})
	}()
	id := pendingID(t, c, "t1")

	if !c.Respond(id, "Retry", "first") {
		t.Fatal("first Respond returned false")
	}
	if c.Respond(id, "Abort", "second") {
		t.Fatal("second Respond returned true, want idempotent rejection")
	}

	// The first response must be untouched.
	c.mu.Lock()
	resp := c.requests[id].resp
	c.mu.Unlock()
	if resp.Action != "Retry" || resp.CustomInput != "first" {
		t.Fatalf("stored response mutated by rejected double-submit: %+v", resp)
	}
}

func TestRespond_UnknownRequest(t *testing.T) {
	c := newTestCoordinator()
	if c.Respond("hitl-missing", "Retry", "") {
		t.Fatal("Respond for unknown request returned true")
	}
	if c.Cancel("hitl-missing") {
		t.Fatal("Cancel for unknown request returned true")
	}
}

func TestCancel_UnblocksWaiterWithAbort(t *testing.T) {
	c := newTestCoordinator()

	respCh := make(chan *Response, 1)
	go func() {
		resp, err := c.Request(context.Background(), Spec{
			TaskID:  "t1",
			Kind:    "login_required",
			Message: "log in",
			Timeout: time.Minute, // much longer than the test runs
		})
		if err != nil {
			respCh <- nil
			return
		}
		respCh <- resp
	}()

	id := pendingID(t, c, "t1")
	if !c.Cancel(id) {
		t.Fatal("Cancel returned false for pending request")
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			t.Fatal("waiter returned error, want synthesized Abort response")
		}
		if resp.Action != "Abort" {
			t.Fatalf("action = %q, want Abort", resp.Action)
		}
		if resp.CustomInput != "Cancelled by user" {
			t.Fatalf("custom input = %q", resp.CustomInput)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter still blocked after cancel")
	}

	req, _ := c.Get(id)
	if req.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", req.Status)
	}
}

func TestPendingRequests_FilterByTask(t *testing.T) {
	c := newTestCoordinator()

	const perTask = 3
	for _, taskID := range []string{"ta", "tb"} {
		for i := 0; i < perTask; i++ {
			go func(taskID string, i int) {
				_, _ = c.Request(context.Background(), Spec{
					TaskID:  taskID,
					Kind:    "custom",
					Message: fmt.Sprintf("req %d", i),
					Timeout: 10 * time.Second,
				})
			}(taskID, i)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.PendingRequests("")) == 2*perTask {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	all := c.PendingRequests("")
	if len(all) != 2*perTask {
		t.Fatalf("all pending = %d, want %d", len(all), 2*perTask)
	}
	forA := c.PendingRequests("ta")
	if len(forA) != perTask {
		t.Fatalf("pending for ta = %d, want %d", len(forA), perTask)
	}
	for _, req := range forA {
		if req.TaskID != "ta" {
			t.Fatalf("filtered snapshot contains foreign task %q", req.TaskID)
		}
	}

	for _, req := range all {
		c.Cancel(req.RequestID)
	}
}

// TestRespondExpireRace hammers the respond/timeout race: exactly one of
// {resolved, expired} may win, and the waiter sees exactly one outcome.
func TestRespondExpireRace_AtMostOneDelivery(t *testing.T) {
	c := newTestCoordinator()

	for i := 0; i < 20; i++ {
		outcome := make(chan string, 1)
		go func() {
			resp, err := c.Request(context.Background(), Spec{
				TaskID:  "race",
				Kind:    "captcha",
				Message: "m",
				Timeout: 20 * time.Millisecond,
			})
			if err != nil {
				outcome <- "timeout"
				return
			}
			outcome <- resp.Action
		}()

		id := pendingID(t, c, "race")

		// Several responders race each other and the expiry timer.
		var wg sync.WaitGroup
		wins := make(chan bool, 4)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wins <- c.Respond(id, "Retry", "")
			}()
		}
		wg.Wait()
		close(wins)

		succeeded := 0
		for win := range wins {
			if win {
				succeeded++
			}
		}
		if succeeded > 1 {
			t.Fatalf("iteration %d: %d responders succeeded, want at most 1", i, succeeded)
		}

		got := <-outcome
		req, _ := c.Get(id)
		switch got {
		case "Retry":
			if succeeded != 1 || req.Status != StatusResolved {
				t.Fatalf("iteration %d: waiter got Retry but status=%v wins=%d", i, req.Status, succeeded)
			}
		case "timeout":
			if succeeded != 0 || req.Status != StatusExpired {
				t.Fatalf("iteration %d: waiter timed out but status=%v wins=%d", i, req.Status, succeeded)
			}
		default:
			t.Fatalf("iteration %d: unexpected outcome %q", i, got)
		}
	}
}

func TestNotifiers_AllInvokedAndIsolated(t *testing.T) {
	c := newTestCoordinator()

	var mu sync.Mutex
	var seen []string
	c.RegisterNotifier(func(ctx context.Context, req Request) error {
		mu.Lock()
		seen = append(seen, "first:"+req.Kind)
		mu.Unlock()
		return errors.New("sink is broken")
	})
	c.RegisterNotifier(func(ctx context.Context, req Request) error {
		panic("sink panics")
	})
	c.RegisterNotifier(func(ctx context.Context, req Request) error {
		mu.Lock()
		seen = append(seen, "third:"+req.Kind)
		mu.Unlock()
		return nil
	})

	go func() {
		_, _ = c.Request(context.Background(), Spec{TaskID: "t1", Kind: "captcha", Message: "m", Timeout: 5 * time.Second})
	}()

	id := pendingID(t, c, "t1")

	mu.Lock()
	got := append([]string(nil), seen...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "first:captcha" || got[1] != "third:captcha" {
		t.Fatalf("notifier invocations = %v", got)
	}

	c.Respond(id, "Retry", "")
}

func TestRequest_DefaultOptionsAndAttachment(t *testing.T) {
	c := newTestCoordinator()

	go func() {
		_, _ = c.Request(context.Background(), Spec{
			TaskID:     "t1",
			Kind:       "captcha",
			Message:    "m",
			Attachment: []byte{0x89, 0x50, 0x4e, 0x47},
			Timeout:    5 * time.Second,
		})
	}()

	id := pendingID(t, c, "t1")
	req, ok := c.Get(id)
	if !ok {
		t.Fatal("Get returned false")
	}
	wantOptions := []string{"Retry", "Abort", "I solved it"}
	if len(req.Options) != len(wantOptions) {
		t.Fatalf("options = %v, want %v", req.Options, wantOptions)
	}
	for i := range wantOptions {
		if req.Options[i] != wantOptions[i] {
			t.Fatalf("options[%d] = %q, want %q", i, req.Options[i], wantOptions[i])
		}
	}
	if req.AttachmentB64 == "" {
		t.Fatal("attachment not stored")
	}
	if req.ExpiresAt.Sub(req.CreatedAt) != 5*time.Second {
		t.Fatalf("expires_at - created_at = %s, want 5s", req.ExpiresAt.Sub(req.CreatedAt))
	}

	c.Cancel(id)
}

func TestEvictTerminal_KeepsPending(t *testing.T) {
	c := newTestCoordinator()

	// One resolved request...
	go func() {
		_, _ = c.Request(context.Background(), Spec{TaskID: "t1", Kind: "captcha", Message: "m", Timeout: 5 * time.Second})
	}()
	doneID := pendingID(t, c, "t1")
	c.Respond(doneID, "Retry", "")

	// ...and one still pending.
	go func() {
		_, _ = c.Request(context.Background(), Spec{TaskID: "t2", Kind: "captcha", Message: "m", Timeout: 10 * time.Second})
	}()
	liveID := pendingID(t, c, "t2")

	if n := c.EvictTerminal(0); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if _, ok := c.Get(doneID); ok {
		t.Fatal("terminal request survived eviction")
	}
	if _, ok := c.Get(liveID); !ok {
		t.Fatal("pending request was evicted")
	}

	c.Cancel(liveID)
}

func TestRequest_ContextCancellation(t *testing.T) {
	c := newTestCoordinator()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, Spec{TaskID: "t1", Kind: "captcha", Message: "m", Timeout: time.Minute})
		errCh <- err
	}()

	id := pendingID(t, c, "t1")
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe context cancellation")
	}

	req, _ := c.Get(id)
	if req.Status != StatusCancelled {
		t.Fatalf("status = %v, want cancelled", req.Status)
	}
}
