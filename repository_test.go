package clusterdb

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/maruel/clusterdb/condition"
	"github.com/maruel/clusterdb/internal/clusterfile"
)

type dto struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

func dtoEntity() Entity[dto, int] {
	return Entity[dto, int]{
		ID:    func(d dto) int { return d.ID },
		SetID: func(d dto, id int) dto { d.ID = id; return d },
	}
}

type doc struct {
	Key  string `json:"key"`
	Body string `json:"body"`
}

func docEntity() Entity[doc, string] {
	return Entity[doc, string]{
		Name: "docs",
		ID:   func(d doc) string { return d.Key },
	}
}

func newTestRegistry(t *testing.T, dir string, opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	reg, err := NewRegistry(dir, opts...)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return reg
}

func openDTO(t *testing.T, reg *Registry, e Entity[dto, int], opts ...Option) *Repository[dto, int] {
	t.Helper()
	r, err := Open(reg, e, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return r
}

func ids(recs []dto) []int {
	out := make([]int, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func sortedIDs(recs []dto) []int {
	out := ids(recs)
	slices.Sort(out)
	return out
}

func mustSave(t *testing.T, r *Repository[dto, int], recs ...dto) {
	t.Helper()
	for _, rec := range recs {
		if _, err := r.Save(rec); err != nil {
			t.Fatalf("Save(%+v) failed: %v", rec, err)
		}
	}
}

func TestRepositoryExample(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	r := openDTO(t, reg, dtoEntity())
	mustSave(t, r, dto{ID: -1}, dto{ID: 5}, dto{ID: 25})

	t.Run("page", func(t *testing.T) {
		got, err := r.FindPage(1, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(ids(got), []int{25}) {
			t.Errorf("FindPage(1, 1) = %v, want [25]", ids(got))
		}
		all, err := r.FindPage(0, 10)
		if err != nil {
			t.Fatal(err)
		}
		// Negative identifiers hash above every positive one.
		if !slices.Equal(ids(all), []int{5, 25, -1}) {
			t.Errorf("FindPage(0, 10) = %v", ids(all))
		}
		if got, _ := r.FindPage(3, 10); len(got) != 0 {
			t.Errorf("FindPage past the end = %v", ids(got))
		}
		if got, _ := r.FindPage(0, 0); got == nil || len(got) != 0 {
			t.Errorf("FindPage(0, 0) = %v", got)
		}
	})

	t.Run("save", func(t *testing.T) {
		mustSave(t, r, dto{ID: 18})
		all, err := r.FindAll()
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(sortedIDs(all), []int{-1, 5, 18, 25}) {
			t.Errorf("FindAll() = %v", ids(all))
		}
	})

	t.Run("delete", func(t *testing.T) {
		got, ok, err := r.DeleteByID(-1)
		if err != nil || !ok || got.ID != -1 {
			t.Fatalf("DeleteByID(-1) = %+v, %v, %v", got, ok, err)
		}
		if _, ok, err := r.DeleteByID(-1); ok || err != nil {
			t.Errorf("second DeleteByID(-1) = %v, %v", ok, err)
		}
		got, ok, err = r.Delete(dto{ID: 18, Name: "ignored"})
		if err != nil || !ok || got.ID != 18 {
			t.Fatalf("Delete(18) = %+v, %v, %v", got, ok, err)
		}
		all, err := r.FindAll()
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(sortedIDs(all), []int{5, 25}) {
			t.Errorf("FindAll() = %v", ids(all))
		}
		if n, err := r.Size(); err != nil || n != 2 {
			t.Errorf("Size() = %d, %v", n, err)
		}
	})

	t.Run("find by id", func(t *testing.T) {
		if got, ok, err := r.FindByID(25); err != nil || !ok || got.ID != 25 {
			t.Errorf("FindByID(25) = %+v, %v, %v", got, ok, err)
		}
		if _, ok, err := r.FindByID(26); err != nil || ok {
			t.Errorf("FindByID(26) = %v, %v", ok, err)
		}
		if _, ok, err := r.FindByID(1); err != nil || ok {
			t.Errorf("FindByID below every cluster = %v, %v", ok, err)
		}
	})
}

func TestRepositoryStringIDs(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry(t, dir)
	r, err := Open(reg, docEntity())
	if err != nil {
		t.Fatal(err)
	}
	recs := []doc{
		{Key: `a/b\c:d`, Body: "slashes"},
		{Key: "..", Body: `{"nested":"#"}`},
		{Key: "x#y", Body: "hash # sign } { ]"},
		{Key: "", Body: "empty key"},
	}
	for _, d := range recs {
		if _, err := r.Save(d); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "docs"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.ContainsAny(e.Name(), `/\:#`) {
			t.Errorf("unsafe file name %q", e.Name())
		}
	}

	reg2 := newTestRegistry(t, dir)
	r2, err := Open(reg2, docEntity())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range recs {
		got, ok, err := r2.FindByID(want.Key)
		if err != nil || !ok || got != want {
			t.Errorf("FindByID(%q) = %+v, %v, %v", want.Key, got, ok, err)
		}
	}
}

func readFiles(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]string{}
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		out[e.Name()] = string(b)
	}
	return out
}

func TestFlushIdempotent(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	e := dtoEntity()
	e.AutoGenerate = true
	r := openDTO(t, reg, e, WithMaxClusterBytes(1024))
	for i := range 40 {
		if _, err := r.Save(dto{Name: strings.Repeat("x", i)}); err != nil {
			t.Fatal(err)
		}
	}
	if st := r.Stats(); st.Dirty == 0 || st.Bytes != 0 {
		t.Fatalf("expected dirty clusters and no file: %+v", st)
	}
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	first := readFiles(t, r.Dir())
	var size int64
	for name, content := range first {
		if strings.HasPrefix(name, "cluster-") {
			size += int64(len(content))
		}
	}
	if st := r.Stats(); st.Dirty != 0 || st.Bytes != size {
		t.Fatalf("after flush: %+v, want %d bytes", st, size)
	}
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	second := readFiles(t, r.Dir())
	if len(first) != len(second) {
		t.Fatalf("files changed: %d -> %d", len(first), len(second))
	}
	for name, content := range first {
		if second[name] != content {
			t.Errorf("%s changed on second flush", name)
		}
	}
	if st := r.Stats(); st.Dirty != 0 {
		t.Errorf("dirty clusters after second flush: %+v", st)
	}
	if _, ok := first["_schema.json"]; !ok {
		t.Error("schema header not written")
	}
	if _, ok := first["_sequence.cls"]; !ok {
		t.Error("sequence not written")
	}
}

func TestIDGeneration(t *testing.T) {
	dir := t.TempDir()
	e := dtoEntity()
	e.AutoGenerate = true
	e.StartID = 100

	reg := newTestRegistry(t, dir)
	r := openDTO(t, reg, e)
	var got []int
	for range 50 {
		rec, err := r.Save(dto{})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rec.ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("identifiers not strictly increasing: %v", got)
		}
	}
	if got[0] != 100 || got[49] != 149 {
		t.Errorf("identifiers = %d..%d, want 100..149", got[0], got[49])
	}
	// Explicit identifiers are kept and move the sequence past them.
	if rec, err := r.Save(dto{ID: 500}); err != nil || rec.ID != 500 {
		t.Fatalf("Save(500) = %+v, %v", rec, err)
	}
	batch, err := r.SaveAll([]dto{{}, {Name: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids(batch), []int{501, 502}) {
		t.Errorf("SaveAll ids = %v", ids(batch))
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}

	reg2 := newTestRegistry(t, dir)
	r2 := openDTO(t, reg2, e)
	rec, err := r2.Save(dto{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 503 {
		t.Errorf("first id after restart = %d, want 503", rec.ID)
	}
	if n, err := r2.Size(); err != nil || n != 54 {
		t.Errorf("Size() = %d, %v", n, err)
	}

	// A start value above the persisted one wins.
	e.StartID = 1000
	reg3 := newTestRegistry(t, dir)
	r3 := openDTO(t, reg3, e)
	if st := r3.Stats(); st.Sequence != 1000 {
		t.Errorf("Sequence = %d, want 1000", st.Sequence)
	}
}

type small struct {
	ID int8 `json:"id"`
}

func TestIDExhausted(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	r, err := Open(reg, Entity[small, int8]{
		ID:           func(s small) int8 { return s.ID },
		SetID:        func(s small, id int8) small { s.ID = id; return s },
		AutoGenerate: true,
		StartID:      126,
	})
	if err != nil {
		t.Fatal(err)
	}
	var got []int8
	for range 2 {
		rec, err := r.Save(small{})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rec.ID)
	}
	if !slices.Equal(got, []int8{126, 127}) {
		t.Errorf("ids = %v", got)
	}
	for range 2 {
		if _, err := r.Save(small{}); !errors.Is(err, ErrConfig) {
			t.Fatalf("Save() past the last identifier = %v, want ErrConfig", err)
		}
	}
	if _, err := r.SaveAll([]small{{ID: 5}, {}}); !errors.Is(err, ErrConfig) {
		t.Errorf("SaveAll() = %v, want ErrConfig", err)
	}
	if n, err := r.Size(); err != nil || n != 2 {
		t.Errorf("Size() = %d, %v", n, err)
	}
	// Explicit identifiers are still accepted.
	if _, err := r.Save(small{ID: -3}); err != nil {
		t.Error(err)
	}
}

// checkPartitions verifies that clusters on disk hold at most limit records,
// do not overlap, and that every record is reachable.
func checkPartitions(t *testing.T, r *Repository[dto, int], want []int, limit int) {
	t.Helper()
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	m, err := clusterfile.New(r.Dir(), "")
	if err != nil {
		t.Fatal(err)
	}
	firsts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(firsts) < 2 {
		t.Fatalf("expected several clusters, got %d", len(firsts))
	}
	total := 0
	for i, first := range firsts {
		lines, err := m.Read(first)
		if err != nil {
			t.Fatal(err)
		}
		n := 0
		for _, l := range lines {
			n += len(l.Records)
			if l.Hash < first || (i+1 < len(firsts) && l.Hash >= firsts[i+1]) {
				t.Errorf("hash %d stored in cluster %d outside its range", l.Hash, first)
			}
		}
		if n > limit {
			t.Errorf("cluster %d holds %d records, limit %d", first, n, limit)
		}
		if n == 0 {
			t.Errorf("cluster %d is empty", first)
		}
		total += n
	}
	if total != len(want) {
		t.Errorf("files hold %d records, want %d", total, len(want))
	}
	for _, id := range want {
		if _, ok, err := r.FindByID(id); err != nil || !ok {
			t.Errorf("FindByID(%d) = %v, %v", id, ok, err)
		}
	}
	all, err := r.FindAll()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(sortedIDs(all), want) {
		t.Errorf("FindAll() returned %d records, want %d", len(all), len(want))
	}
}

func TestSplitting(t *testing.T) {
	// 1024 / 64 = 16 records per cluster.
	e := dtoEntity()
	e.RecordSize = 64

	t.Run("Save", func(t *testing.T) {
		reg := newTestRegistry(t, t.TempDir())
		r := openDTO(t, reg, e, WithMaxClusterBytes(1024))
		var want []int
		for i := 100; i <= 500; i++ {
			mustSave(t, r, dto{ID: i})
			want = append(want, i)
		}
		// Each of these sorts below the lowest cluster and starts a new one.
		for i := 99; i >= 60; i-- {
			mustSave(t, r, dto{ID: i})
			want = append(want, i)
		}
		// Negative identifiers land in the highest cluster.
		for i := -1; i >= -40; i-- {
			mustSave(t, r, dto{ID: i})
			want = append(want, i)
		}
		slices.Sort(want)
		checkPartitions(t, r, want, 16)
		if st := r.Stats(); st.Clusters < 40+400/16 {
			t.Errorf("Clusters = %d", st.Clusters)
		}
	})

	t.Run("SaveAll", func(t *testing.T) {
		reg := newTestRegistry(t, t.TempDir())
		r := openDTO(t, reg, e, WithMaxClusterBytes(1024))
		var want []int
		for i := 100; i < 200; i++ {
			mustSave(t, r, dto{ID: i})
			want = append(want, i)
		}
		var batch []dto
		// Below every cluster.
		for i := range 50 {
			batch = append(batch, dto{ID: i})
			want = append(want, i)
		}
		// Spanning existing clusters, overlapping existing records, and past
		// the end.
		for i := 150; i <= 250; i++ {
			batch = append(batch, dto{ID: i, Name: "batch"})
			if i >= 200 {
				want = append(want, i)
			}
		}
		got, err := r.SaveAll(batch)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(batch) {
			t.Fatalf("SaveAll returned %d records", len(got))
		}
		slices.Sort(want)
		checkPartitions(t, r, want, 16)
		if rec, _, _ := r.FindByID(175); rec.Name != "batch" {
			t.Errorf("FindByID(175) = %+v", rec)
		}
		if rec, _, _ := r.FindByID(120); rec.Name != "" {
			t.Errorf("FindByID(120) = %+v", rec)
		}
	})

	t.Run("SaveAll duplicates", func(t *testing.T) {
		reg := newTestRegistry(t, t.TempDir())
		r := openDTO(t, reg, e)
		if _, err := r.SaveAll([]dto{{ID: 1, Name: "a"}, {ID: 2}, {ID: 1, Name: "b"}}); err != nil {
			t.Fatal(err)
		}
		if rec, _, _ := r.FindByID(1); rec.Name != "b" {
			t.Errorf("FindByID(1) = %+v, want the last record", rec)
		}
		if n, _ := r.Size(); n != 2 {
			t.Errorf("Size() = %d", n)
		}
	})
}

func TestLoadOnDemand(t *testing.T) {
	dir := t.TempDir()
	e := dtoEntity()
	e.RecordSize = 64
	reg := newTestRegistry(t, dir)
	r := openDTO(t, reg, e, WithMaxClusterBytes(1024), WithResidency(LoadOnDemand{MaxResident: 1}))
	for i := 1; i <= 100; i++ {
		mustSave(t, r, dto{ID: i, Name: "v1"})
	}
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}
	st := r.Stats()
	if st.Resident > 1 || st.Clusters < 6 {
		t.Fatalf("after flush: %+v", st)
	}
	for _, id := range []int{3, 97, 50} {
		if rec, ok, err := r.FindByID(id); err != nil || !ok || rec.ID != id {
			t.Fatalf("FindByID(%d) = %+v, %v, %v", id, rec, ok, err)
		}
		if st := r.Stats(); st.Resident > 1 {
			t.Errorf("Resident = %d after FindByID(%d)", st.Resident, id)
		}
	}
	all, err := r.FindAll()
	if err != nil || len(all) != 100 {
		t.Fatalf("FindAll() = %d records, %v", len(all), err)
	}
	// Updates to evicted clusters are reloaded first.
	mustSave(t, r, dto{ID: 3, Name: "v2"})
	if rec, _, _ := r.FindByID(3); rec.Name != "v2" {
		t.Errorf("FindByID(3) = %+v", rec)
	}
	if rec, _, _ := r.FindByID(4); rec.Name != "v1" {
		t.Errorf("FindByID(4) = %+v", rec)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}

	reg2 := newTestRegistry(t, dir)
	r2 := openDTO(t, reg2, e, WithResidency(LoadOnDemand{}))
	if st := r2.Stats(); st.Resident != 0 {
		t.Errorf("clusters loaded at open: %+v", st)
	}
	if n, err := r2.Size(); err != nil || n != 100 {
		t.Errorf("Size() = %d, %v", n, err)
	}
	if st := r2.Stats(); st.Resident != 0 || st.Records != 100 {
		t.Errorf("Size loaded clusters: %+v", st)
	}
	page, err := r2.FindPage(10, 5)
	if err != nil || !slices.Equal(ids(page), []int{11, 12, 13, 14, 15}) {
		t.Errorf("FindPage(10, 5) = %v, %v", ids(page), err)
	}
	if rec, _, _ := r2.FindByID(3); rec.Name != "v2" {
		t.Errorf("FindByID(3) after reopen = %+v", rec)
	}
}

func TestFindWhere(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	r := openDTO(t, reg, dtoEntity())
	for i := 1; i <= 10; i++ {
		name := "odd"
		if i%2 == 0 {
			name = "even"
		}
		mustSave(t, r, dto{ID: i, Name: name})
	}
	name := condition.FieldOf("name", func(d dto) string { return d.Name })
	id := condition.FieldOf("id", func(d dto) int { return d.ID })

	even, err := r.FindWhere(condition.Equals(name, "even"))
	if err != nil || !slices.Equal(ids(even), []int{2, 4, 6, 8, 10}) {
		t.Errorf("FindWhere(even) = %v, %v", ids(even), err)
	}
	c := condition.Where[dto](condition.Greater(id, 3)).And(condition.Less(id, 9)).And(condition.NotEquals(name, "odd"))
	got, err := r.FindWhere(c)
	if err != nil || !slices.Equal(ids(got), []int{4, 6, 8}) {
		t.Errorf("FindWhere(4..8 even) = %v, %v", ids(got), err)
	}
	// Only matches count toward the skip.
	got, err = r.FindPageWhere(condition.Equals(name, "odd"), 1, 2)
	if err != nil || !slices.Equal(ids(got), []int{3, 5}) {
		t.Errorf("FindPageWhere(odd, 1, 2) = %v, %v", ids(got), err)
	}
	if got, err := r.FindWhere(condition.Equals(name, "none")); err != nil || len(got) != 0 {
		t.Errorf("FindWhere(none) = %v, %v", got, err)
	}

	missing := condition.Field[dto, string]{Name: "missing", Get: func(dto) (string, bool) { return "", false }}
	if _, err := r.FindWhere(condition.Equals(missing, "x")); !errors.Is(err, ErrConfig) || !errors.Is(err, condition.ErrUnknownField) {
		t.Errorf("FindWhere(missing) = %v, want ErrConfig", err)
	}
	if _, err := r.FindPage(-1, 2); !errors.Is(err, ErrConfig) {
		t.Errorf("FindPage(-1, 2) = %v, want ErrConfig", err)
	}
	failing := condition.Func[dto](func(dto) (bool, error) { return false, errors.New("boom") })
	if _, err := r.FindWhere(failing); !errors.Is(err, ErrInternal) {
		t.Errorf("FindWhere(failing) = %v, want ErrInternal", err)
	}
}

type lineCodec struct{}

func (lineCodec) Encode(d dto) ([]byte, error) { return []byte("{\n}"), nil }
func (lineCodec) Decode(b []byte) (dto, error) { return dto{}, nil }

func TestValidation(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	e := dtoEntity()
	e.Name = "lines"
	e.Codec = lineCodec{}
	r := openDTO(t, reg, e)
	if _, err := r.Save(dto{ID: 1}); !errors.Is(err, ErrConfig) || !errors.Is(err, clusterfile.ErrInvalidRecord) {
		t.Errorf("Save() = %v, want ErrConfig", err)
	}
	if n, _ := r.Size(); n != 0 {
		t.Errorf("invalid record stored")
	}
}

type measure struct {
	At float64 `json:"at"`
}

func TestNaNIdentifier(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	r, err := Open(reg, Entity[measure, float64]{ID: func(m measure) float64 { return m.At }})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Save(measure{At: 1.5}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Save(measure{At: math.NaN()}); !errors.Is(err, ErrConfig) {
		t.Errorf("Save(NaN) = %v, want ErrConfig", err)
	}
	if _, err := r.SaveAll([]measure{{At: 2}, {At: math.NaN()}}); !errors.Is(err, ErrConfig) {
		t.Errorf("SaveAll(NaN) = %v, want ErrConfig", err)
	}
	if n, err := r.Size(); err != nil || n != 1 {
		t.Errorf("Size() = %d, %v", n, err)
	}
	if got, ok, err := r.FindByID(1.5); err != nil || !ok || got.At != 1.5 {
		t.Errorf("FindByID(1.5) = %+v, %v, %v", got, ok, err)
	}
}

func TestBlockAndDeleteAll(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())
	e := dtoEntity()
	e.AutoGenerate = true
	r := openDTO(t, reg, e)
	mustSave(t, r, dto{}, dto{}, dto{})
	if err := r.Flush(); err != nil {
		t.Fatal(err)
	}

	r.Block()
	if _, err := r.Save(dto{}); !errors.Is(err, ErrBlocked) {
		t.Errorf("Save() on blocked repository = %v", err)
	}
	if _, _, err := r.DeleteByID(1); !errors.Is(err, ErrBlocked) {
		t.Errorf("DeleteByID() on blocked repository = %v", err)
	}
	if err := r.DeleteAll(); !errors.Is(err, ErrBlocked) {
		t.Errorf("DeleteAll() on blocked repository = %v", err)
	}
	if all, err := r.FindAll(); err != nil || len(all) != 3 {
		t.Errorf("FindAll() on blocked repository = %v, %v", all, err)
	}
	r.Unblock()

	if err := r.DeleteAll(); err != nil {
		t.Fatal(err)
	}
	if all, err := r.FindAll(); err != nil || len(all) != 0 {
		t.Errorf("FindAll() after DeleteAll = %v, %v", all, err)
	}
	m, _ := clusterfile.New(r.Dir(), "")
	if firsts, _ := m.List(); len(firsts) != 0 {
		t.Errorf("cluster files left: %v", firsts)
	}
	rec, err := r.Save(dto{})
	if err != nil || rec.ID != 4 {
		t.Errorf("Save() after DeleteAll = %+v, %v; the sequence must be kept", rec, err)
	}
}
