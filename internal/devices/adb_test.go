package devices

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/iron-claw/internal/config"
)

type fakeRun struct {
	calls  [][]string
	output string
	err    error
}

func (f *fakeRun) run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	call := append([]string{binary}, args...)
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.output), nil
}

func newFakeADB(fake *fakeRun, serial string) *ADB {
	a := NewADB(config.ADBConfig{Serial: serial}, nil)
	a.run = fake.run
	return a
}

func TestADB_ShellAddsSerialSelector(t *testing.T) {
	fake := &fakeRun{output: "ok\n"}
	a := newFakeADB(fake, "emulator-5554")

	out, err := a.Shell(context.Background(), "echo ok")
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if out != "ok" {
		t.Errorf("output = %q", out)
	}
	want := []string{"adb", "-s", "emulator-5554", "shell", "echo ok"}
	if got := strings.Join(fake.calls[0], " "); got != strings.Join(want, " ") {
		t.Errorf("invocation = %q, want %q", got, strings.Join(want, " "))
	}
}

func TestADB_ShellWithoutSerial(t *testing.T) {
	fake := &fakeRun{output: "x"}
	a := newFakeADB(fake, "")

	if _, err := a.Shell(context.Background(), "ls"); err != nil {
		t.Fatalf("shell: %v", err)
	}
	if fake.calls[0][1] != "shell" {
		t.Errorf("invocation = %v, want no -s selector", fake.calls[0])
	}
}

func TestADB_CurrentPackage(t *testing.T) {
	fake := &fakeRun{
		output: "  mResumedActivity: ActivityRecord{4a2b u0 com.example.mail/.InboxActivity t17}\n",
	}
	a := newFakeADB(fake, "")

	pkg, err := a.CurrentPackage(context.Background())
	if err != nil {
		t.Fatalf("current package: %v", err)
	}
	if pkg != "com.example.mail" {
		t.Errorf("package = %q", pkg)
	}
}

func TestADB_CurrentPackage_NoMatch(t *testing.T) {
	fake := &fakeRun{output: "nothing resumed"}
	a := newFakeADB(fake, "")

	pkg, err := a.CurrentPackage(context.Background())
	if err != nil {
		t.Fatalf("current package: %v", err)
	}
	if pkg != "" {
		t.Errorf("package = %q, want empty", pkg)
	}
}

func TestADB_Location(t *testing.T) {
	fake := &fakeRun{
		output: "last location=Location[gps 37.421998,-122.084000 hAcc=5 et=+1d2h3m4s]\n",
	}
	a := newFakeADB(fake, "")

	loc, err := a.Location(context.Background())
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc.Lat != 37.421998 || loc.Lon != -122.084000 {
		t.Errorf("location = %+v", loc)
	}
}

func TestADB_Location_NoFix(t *testing.T) {
	fake := &fakeRun{output: "no providers"}
	a := newFakeADB(fake, "")

	if _, err := a.Location(context.Background()); err == nil {
		t.Fatal("missing fix should error")
	}
}

func TestADB_ScreenshotEmptyCapture(t *testing.T) {
	fake := &fakeRun{output: ""}
	a := newFakeADB(fake, "")

	if _, err := a.Screenshot(context.Background()); err == nil {
		t.Fatal("empty capture should error")
	}
}
