package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/pithecene-io/filedriver/codec"
	"github.com/pithecene-io/filedriver/fsexec"
	"github.com/pithecene-io/filedriver/log"
	"github.com/pithecene-io/filedriver/metrics"
	"github.com/pithecene-io/filedriver/noun"
	"github.com/pithecene-io/filedriver/types"
)

// fetch is one scripted NextEffect result.
type fetch struct {
	effect noun.Noun
	err    error
}

type poke struct {
	wire types.Wire
	noun noun.Noun
}

// fakeHandle replays scripted effects and records pokes.
type fakeHandle struct {
	fetches []fetch
	pokes   []poke
	pokeErr error
}

func (h *fakeHandle) NextEffect(_ context.Context) (noun.Noun, error) {
	if len(h.fetches) == 0 {
		return nil, ErrEffectsClosed
	}
	f := h.fetches[0]
	h.fetches = h.fetches[1:]
	return f.effect, f.err
}

func (h *fakeHandle) Poke(_ context.Context, wire types.Wire, n noun.Noun) error {
	if h.pokeErr != nil {
		return h.pokeErr
	}
	h.pokes = append(h.pokes, poke{wire: wire, noun: n})
	return nil
}

func effects(nouns ...noun.Noun) []fetch {
	out := make([]fetch, 0, len(nouns))
	for _, n := range nouns {
		out = append(out, fetch{effect: n})
	}
	return out
}

func readEffect(path string) noun.Noun {
	return noun.T(codec.TagFile, codec.TagRead, noun.Tas(path))
}

func writeEffect(path string, contents []byte) noun.Noun {
	return noun.T(codec.TagFile, codec.TagWrite, noun.NewCell(noun.Tas(path), noun.NewAtom(contents)))
}

var badPath = noun.NewAtom([]byte{0xff, 0xfe, 0xfd})

func newTestLoop(handle Handle, fsys afero.Fs, logs *bytes.Buffer) (*Loop, *metrics.Collector) {
	logger := log.NewNop()
	if logs != nil {
		logger = log.NewLogger(&types.DriverMeta{Source: types.FileSource}).WithOutput(logs)
	}
	collector := metrics.NewCollector(types.FileSource, "", "memory")
	return NewLoop(handle, fsexec.New(fsys), logger, collector), collector
}

func assertPoke(t *testing.T, got poke, op types.Operation, want noun.Noun) {
	t.Helper()
	if !got.wire.Equal(codec.WireFor(op)) {
		t.Errorf("wire = %+v, want %+v", got.wire, codec.WireFor(op))
	}
	if !noun.Equal(got.noun, want) {
		t.Errorf("poke = %v, want %v", got.noun, want)
	}
}

func TestLoop_WriteThenRead(t *testing.T) {
	fsys := afero.NewMemMapFs()
	handle := &fakeHandle{fetches: effects(
		writeEffect("/tmp/x/y.txt", []byte("hello")),
		readEffect("/tmp/x/y.txt"),
	)}
	loop, _ := newTestLoop(handle, fsys, nil)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(handle.pokes) != 2 {
		t.Fatalf("got %d pokes, want 2", len(handle.pokes))
	}
	assertPoke(t, handle.pokes[0], types.OperationWrite,
		noun.T(codec.TagFile, codec.TagWrite, noun.Tas("/tmp/x/y.txt"), noun.Tas("hello"), noun.Yes))
	assertPoke(t, handle.pokes[1], types.OperationRead,
		noun.T(codec.TagFile, codec.TagRead, noun.D(0), noun.Tas("hello")))

	if ok, _ := afero.DirExists(fsys, "/tmp/x"); !ok {
		t.Error("intermediate directory /tmp/x should exist")
	}
}

func TestLoop_ReadExistingIsByteExactAndRepeatable(t *testing.T) {
	fsys := afero.NewMemMapFs()
	contents := []byte{0x00, 0x10, 0x20, 0xff, 0x00}
	if err := afero.WriteFile(fsys, "/f.bin", contents, 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	handle := &fakeHandle{fetches: effects(readEffect("/f.bin"), readEffect("/f.bin"))}
	loop, collector := newTestLoop(handle, fsys, nil)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(handle.pokes) != 2 {
		t.Fatalf("got %d pokes, want 2", len(handle.pokes))
	}
	for i, p := range handle.pokes {
		elems := noun.Elements(p.noun, 4)
		atom, ok := noun.AsAtom(elems[len(elems)-1])
		if len(elems) != 4 || !ok {
			t.Fatalf("poke %d = %v, want 4-tuple", i, p.noun)
		}
		if !bytes.Equal(atom.Bytes(), contents) {
			t.Errorf("poke %d contents = %v, want %v", i, atom.Bytes(), contents)
		}
	}
	if got := collector.Snapshot().BytesRead; got != int64(2*len(contents)) {
		t.Errorf("BytesRead = %d, want %d", got, 2*len(contents))
	}
}

func TestLoop_ReadMissingRespondsReadErr(t *testing.T) {
	handle := &fakeHandle{fetches: effects(readEffect("/does/not/exist"))}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(handle.pokes) != 1 {
		t.Fatalf("got %d pokes, want 1", len(handle.pokes))
	}
	assertPoke(t, handle.pokes[0], types.OperationRead, noun.T(codec.TagFile, codec.TagRead, noun.D(0)))
	if n := len(noun.Elements(handle.pokes[0].noun, 10)); n != 3 {
		t.Errorf("ReadErr poke has %d elements, want 3", n)
	}
	if got := collector.Snapshot().ReadFailure; got != 1 {
		t.Errorf("ReadFailure = %d, want 1", got)
	}
}

func TestLoop_WriteFailureEchoesRequest(t *testing.T) {
	var logs bytes.Buffer
	fsys := fsexec.NewFS(afero.NewMemMapFs(), fsexec.FSOptions{ReadOnly: true})
	contents := []byte("payload\x00")
	handle := &fakeHandle{fetches: effects(writeEffect("/locked/out.txt", contents))}
	loop, collector := newTestLoop(handle, fsys, &logs)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(handle.pokes) != 1 {
		t.Fatalf("got %d pokes, want 1", len(handle.pokes))
	}

	elems := noun.Elements(handle.pokes[0].noun, 5)
	if len(elems) != 5 {
		t.Fatalf("poke = %v, want 5-tuple", handle.pokes[0].noun)
	}
	if !noun.Equal(elems[2], noun.Tas("/locked/out.txt")) {
		t.Errorf("path = %v, want echoed path", elems[2])
	}
	got, _ := noun.AsAtom(elems[3])
	if !bytes.Equal(got.Bytes(), contents) {
		t.Errorf("contents = %v, want %v", got.Bytes(), contents)
	}
	if !noun.Equal(elems[4], noun.No) {
		t.Errorf("success flag = %v, want No", elems[4])
	}

	s := collector.Snapshot()
	if s.WriteFailure != 1 || s.MkdirFailure != 1 {
		t.Errorf("WriteFailure = %d, MkdirFailure = %d, want 1 / 1", s.WriteFailure, s.MkdirFailure)
	}
	if !hasLogEntry(t, &logs, "error", "file driver: error creating directories") {
		t.Errorf("expected error-level mkdir log, got:\n%s", logs.String())
	}
}

func TestLoop_WriteSuccessLogsByteCount(t *testing.T) {
	var logs bytes.Buffer
	handle := &fakeHandle{fetches: effects(writeEffect("/a.txt", []byte("12345")))}
	loop, _ := newTestLoop(handle, afero.NewMemMapFs(), &logs)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	found := false
	for _, entry := range logEntries(t, &logs) {
		fields, _ := entry["fields"].(map[string]any)
		if entry["level"] == "debug" && fields["bytes"] == float64(5) && fields["path"] == "/a.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected debug log with byte count, got:\n%s", logs.String())
	}
}

func TestLoop_UnrecognizedEffectsProduceNoPoke(t *testing.T) {
	handle := &fakeHandle{fetches: effects(
		noun.Tas("file"),
		noun.T(noun.Tas("http"), noun.Tas("request"), noun.D(1)),
		noun.T(codec.TagFile, noun.Tas("delete"), noun.Tas("/x")),
		noun.T(codec.TagFile, codec.TagWrite, noun.Tas("/missing-contents")),
		readEffect("/missing"),
	)}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(handle.pokes) != 1 {
		t.Fatalf("got %d pokes, want 1 (only the valid read)", len(handle.pokes))
	}
	assertPoke(t, handle.pokes[0], types.OperationRead, noun.T(codec.TagFile, codec.TagRead, noun.D(0)))

	s := collector.Snapshot()
	if s.EffectsReceived != 5 {
		t.Errorf("EffectsReceived = %d, want 5", s.EffectsReceived)
	}
	if s.EffectsFiltered != 2 {
		t.Errorf("EffectsFiltered = %d, want 2", s.EffectsFiltered)
	}
	if s.EffectsUnrecognized != 2 {
		t.Errorf("EffectsUnrecognized = %d, want 2", s.EffectsUnrecognized)
	}
}

func TestLoop_StepDispositions(t *testing.T) {
	handle := &fakeHandle{fetches: []fetch{
		{err: errors.New("transport hiccup")},
		{effect: noun.T(noun.Tas("http"), noun.D(0))},
		{effect: noun.T(codec.TagFile, noun.Tas("stat"), noun.Tas("/"))},
		{effect: readEffect("/nope")},
		{effect: noun.T(codec.TagFile, codec.TagRead, badPath)},
	}}
	loop, _ := newTestLoop(handle, afero.NewMemMapFs(), nil)
	ctx := context.Background()

	want := []Disposition{
		DispositionFetchFailed,
		DispositionFiltered,
		DispositionUnrecognized,
		DispositionResponded,
	}
	for i, w := range want {
		got, err := loop.Step(ctx)
		if err != nil {
			t.Fatalf("Step %d returned error: %v", i, err)
		}
		if got != w {
			t.Errorf("Step %d = %s, want %s", i, got, w)
		}
	}

	got, err := loop.Step(ctx)
	if got != DispositionRejected || !IsProtocolError(err) {
		t.Errorf("Step = %s, %v; want rejected with protocol error", got, err)
	}

	_, err = loop.Step(ctx)
	if !errors.Is(err, ErrEffectsClosed) {
		t.Errorf("Step after exhaustion = %v, want ErrEffectsClosed", err)
	}
}

func TestLoop_FetchErrorContinues(t *testing.T) {
	var logs bytes.Buffer
	handle := &fakeHandle{fetches: []fetch{
		{err: errors.New("channel broken")},
		{err: errors.New("channel broken again")},
		{effect: writeEffect("/ok.txt", []byte("ok"))},
	}}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), &logs)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(handle.pokes) != 1 {
		t.Fatalf("got %d pokes, want 1", len(handle.pokes))
	}
	if got := collector.Snapshot().FetchErrors; got != 2 {
		t.Errorf("FetchErrors = %d, want 2", got)
	}
	if !hasLogEntry(t, &logs, "error", "error receiving effect") {
		t.Errorf("expected fetch error log, got:\n%s", logs.String())
	}
}

func TestLoop_BrokenSourceEndsRun(t *testing.T) {
	var logs bytes.Buffer
	broken := fmt.Errorf("%w: truncated frame", ErrSourceBroken)
	handle := &fakeHandle{fetches: []fetch{
		{effect: writeEffect("/ok.txt", []byte("ok"))},
		{err: broken},
		{effect: readEffect("/ok.txt")},
	}}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), &logs)

	err := loop.Run(context.Background())
	if !IsSourceError(err) {
		t.Fatalf("error %v should be a source error", err)
	}
	if !errors.Is(err, ErrSourceBroken) {
		t.Errorf("error %v should wrap ErrSourceBroken", err)
	}
	if len(handle.pokes) != 1 {
		t.Errorf("got %d pokes, want 1", len(handle.pokes))
	}
	if len(handle.fetches) != 1 {
		t.Errorf("loop should stop at the broken source, %d effects left", len(handle.fetches))
	}
	if got := collector.Snapshot().FetchErrors; got != 1 {
		t.Errorf("FetchErrors = %d, want 1", got)
	}
	if !hasLogEntry(t, &logs, "error", "effect source broken") {
		t.Errorf("expected source error log, got:\n%s", logs.String())
	}
}

func TestLoop_InvalidPathIsFatal(t *testing.T) {
	tests := []struct {
		name   string
		effect noun.Noun
	}{
		{"read", noun.T(codec.TagFile, codec.TagRead, badPath)},
		{"write", noun.T(codec.TagFile, codec.TagWrite, noun.NewCell(badPath, noun.Tas("x")))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle := &fakeHandle{fetches: effects(tt.effect, readEffect("/after"))}
			loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)

			err := loop.Run(context.Background())
			if err == nil {
				t.Fatal("expected protocol error")
			}
			if !IsProtocolError(err) {
				t.Errorf("error %v should be a protocol error", err)
			}
			var decErr *codec.DecodeError
			if !errors.As(err, &decErr) {
				t.Errorf("error %v should wrap a *codec.DecodeError", err)
			}
			if len(handle.pokes) != 0 {
				t.Errorf("got %d pokes, want 0", len(handle.pokes))
			}
			if len(handle.fetches) != 1 {
				t.Errorf("loop should stop before fetching the next effect, %d left", len(handle.fetches))
			}
			if got := collector.Snapshot().ProtocolErrors; got != 1 {
				t.Errorf("ProtocolErrors = %d, want 1", got)
			}
			if loop.State() != StateStopped {
				t.Errorf("State = %s, want stopped", loop.State())
			}
		})
	}
}

func TestLoop_EmitFailureIsFatal(t *testing.T) {
	sinkErr := errors.New("sink gone")
	handle := &fakeHandle{
		fetches: effects(readEffect("/x"), readEffect("/y")),
		pokeErr: sinkErr,
	}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)

	err := loop.Run(context.Background())
	if !IsEmitError(err) {
		t.Fatalf("error %v should be an emit error", err)
	}
	if !errors.Is(err, sinkErr) {
		t.Errorf("error %v should wrap the sink error", err)
	}
	if got := collector.Snapshot().EmitFailures; got != 1 {
		t.Errorf("EmitFailures = %d, want 1", got)
	}
}

func TestLoop_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle := &fakeHandle{fetches: effects(readEffect("/x"))}
	loop, _ := newTestLoop(handle, afero.NewMemMapFs(), nil)

	err := loop.Run(ctx)
	if !IsCanceledError(err) {
		t.Fatalf("error %v should be a canceled error", err)
	}
	if len(handle.pokes) != 0 {
		t.Errorf("got %d pokes, want 0", len(handle.pokes))
	}
}

func TestLoop_ExactlyOnePokePerRequest(t *testing.T) {
	fsys := afero.NewMemMapFs()
	var fetches []fetch
	for i := range 20 {
		path := "/d/" + string(rune('a'+i)) + ".txt"
		fetches = append(fetches, fetch{effect: writeEffect(path, []byte(path))})
		fetches = append(fetches, fetch{effect: noun.D(uint64(i))})
		fetches = append(fetches, fetch{effect: readEffect(path)})
	}
	handle := &fakeHandle{fetches: fetches}
	loop, collector := newTestLoop(handle, fsys, nil)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(handle.pokes) != 40 {
		t.Fatalf("got %d pokes, want 40", len(handle.pokes))
	}
	for i := 0; i < 40; i += 2 {
		w, r := handle.pokes[i], handle.pokes[i+1]
		if w.wire.Tags[0] != "write" || r.wire.Tags[0] != "read" {
			t.Fatalf("pokes %d/%d out of order: %v / %v", i, i+1, w.wire.Tags, r.wire.Tags)
		}
		written := noun.Elements(w.noun, 5)[3]
		read := noun.Elements(r.noun, 4)[3]
		if !noun.Equal(written, read) {
			t.Errorf("read-back %v differs from written %v", read, written)
		}
	}
	if got := collector.Snapshot().PokesEmitted; got != 40 {
		t.Errorf("PokesEmitted = %d, want 40", got)
	}
}

func TestSupervisor_RestartsAfterProtocolError(t *testing.T) {
	handle := &fakeHandle{fetches: effects(
		noun.T(codec.TagFile, codec.TagRead, badPath),
		writeEffect("/after.txt", []byte("still running")),
	)}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)
	sup := &Supervisor{Loop: loop, MaxRestarts: 2, Backoff: time.Millisecond, Collector: collector}

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Supervisor.Run failed: %v", err)
	}
	if len(handle.pokes) != 1 {
		t.Fatalf("got %d pokes, want 1", len(handle.pokes))
	}
	if got := collector.Snapshot().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}
}

func TestSupervisor_RestartsExhausted(t *testing.T) {
	bad := noun.T(codec.TagFile, codec.TagRead, badPath)
	handle := &fakeHandle{fetches: effects(bad, bad, bad)}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)
	sup := &Supervisor{Loop: loop, MaxRestarts: 1, Backoff: time.Millisecond, Collector: collector}

	err := sup.Run(context.Background())
	if !IsProtocolError(err) {
		t.Fatalf("error %v should be the last protocol error", err)
	}
	if got := collector.Snapshot().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}
	if len(handle.fetches) != 1 {
		t.Errorf("%d effects left, want 1", len(handle.fetches))
	}
}

func TestSupervisor_ProgressResetsRestarts(t *testing.T) {
	bad := noun.T(codec.TagFile, codec.TagRead, badPath)
	handle := &fakeHandle{fetches: effects(
		writeEffect("/a.txt", []byte("a")),
		bad,
		writeEffect("/b.txt", []byte("b")),
		bad,
		writeEffect("/c.txt", []byte("c")),
	)}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)
	sup := &Supervisor{Loop: loop, MaxRestarts: 1, Backoff: time.Millisecond, Collector: collector}

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("Supervisor.Run failed: %v", err)
	}
	if len(handle.pokes) != 3 {
		t.Errorf("got %d pokes, want 3", len(handle.pokes))
	}
	if got := collector.Snapshot().Restarts; got != 2 {
		t.Errorf("Restarts = %d, want 2", got)
	}
	if got := loop.Responded(); got != 3 {
		t.Errorf("Responded = %d, want 3", got)
	}
}

func TestSupervisor_NoRestartOnBrokenSource(t *testing.T) {
	handle := &fakeHandle{fetches: []fetch{
		{err: fmt.Errorf("%w: oversized frame", ErrSourceBroken)},
		{effect: readEffect("/never")},
	}}
	loop, collector := newTestLoop(handle, afero.NewMemMapFs(), nil)
	sup := &Supervisor{Loop: loop, MaxRestarts: 5, Backoff: time.Millisecond, Collector: collector}

	if err := sup.Run(context.Background()); !IsSourceError(err) {
		t.Fatalf("error %v should be a source error", err)
	}
	if got := collector.Snapshot().Restarts; got != 0 {
		t.Errorf("Restarts = %d, want 0", got)
	}
	if len(handle.fetches) != 1 {
		t.Errorf("%d effects left, want 1", len(handle.fetches))
	}
}

func TestSupervisor_NoRestartOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop, collector := newTestLoop(&fakeHandle{}, afero.NewMemMapFs(), nil)
	sup := &Supervisor{Loop: loop, MaxRestarts: 5, Backoff: time.Hour, Collector: collector}

	if err := sup.Run(ctx); !IsCanceledError(err) {
		t.Fatalf("error %v should be a canceled error", err)
	}
	if got := collector.Snapshot().Restarts; got != 0 {
		t.Errorf("Restarts = %d, want 0", got)
	}
}

func TestSupervisor_CancelDuringBackoff(t *testing.T) {
	handle := &fakeHandle{fetches: effects(noun.T(codec.TagFile, codec.TagRead, badPath))}
	loop, _ := newTestLoop(handle, afero.NewMemMapFs(), nil)
	sup := &Supervisor{Loop: loop, MaxRestarts: 1, Backoff: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := sup.Run(ctx); !IsCanceledError(err) {
		t.Fatalf("error %v should be a canceled error", err)
	}
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		kind FailureKind
		want Action
	}{
		{FailureStructural, ActionSkip},
		{FailureFetch, ActionContinue},
		{FailureRead, ActionRespond},
		{FailureMkdir, ActionRespond},
		{FailureWrite, ActionRespond},
		{FailureProtocol, ActionPropagate},
		{FailureEmit, ActionPropagate},
		{FailureSource, ActionPropagate},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := ActionFor(tt.kind); got != tt.want {
				t.Errorf("ActionFor(%s) = %s, want %s", tt.kind, got, tt.want)
			}
		})
	}
}

func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", scanner.Text())
		}
		entries = append(entries, entry)
	}
	return entries
}

func hasLogEntry(t *testing.T, buf *bytes.Buffer, level, message string) bool {
	t.Helper()
	for _, entry := range logEntries(t, buf) {
		if entry["level"] == level && entry["message"] == message {
			return true
		}
	}
	return false
}
