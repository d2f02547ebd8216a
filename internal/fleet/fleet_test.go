package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
	"github.com/seantiz/funclite/internal/provisioner/fake"
	"github.com/seantiz/funclite/internal/retry"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestFleet(t *testing.T, p *fake.Provisioner) (*Fleet, *testClock) {
	t.Helper()
	opts := DefaultOptions()
	opts.CreateRetry = retry.Policy{Attempts: 3, Delay: time.Millisecond}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f := New(p, opts, logger)
	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	f.now = clock.Now
	t.Cleanup(f.Wait)
	return f, clock
}

func seedApp(t *testing.T, p *fake.Provisioner, f *Fleet, app string, suffixes ...string) {
	t.Helper()
	for _, s := range suffixes {
		p.SeedGroup(model.ReplicaGroup{
			Name:    app + "-" + s,
			Address: "10.0.0." + s,
			Containers: []model.Container{{
				Name:  "web",
				Image: "shop:" + s,
				Ports: []model.Port{{Number: 80, Public: true}},
			}},
		})
	}
	if err := f.LoadExisting(context.Background()); err != nil {
		t.Fatalf("LoadExisting: %v", err)
	}
}

func recordN(t *testing.T, f *Fleet, app string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := f.RecordUsage(app); err != nil {
			t.Fatalf("RecordUsage: %v", err)
		}
	}
}

func TestDispatchRoundRobin(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2", "3")

	const k = 10
	counts := map[string]int{}
	prev := ""
	for i := 0; i < k; i++ {
		g, err := f.Dispatch("shop")
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if g.Name == prev {
			t.Fatalf("dispatch %d repeated group %s", i, g.Name)
		}
		prev = g.Name
		counts[g.Name]++
	}

	if len(counts) != 3 {
		t.Fatalf("visited %d groups, want 3", len(counts))
	}
	for name, n := range counts {
		if n != k/3 && n != k/3+1 {
			t.Errorf("group %s visited %d times, want %d or %d", name, n, k/3, k/3+1)
		}
	}
}

func TestDispatchUnknownApp(t *testing.T) {
	f, _ := newTestFleet(t, fake.New())

	if _, err := f.Dispatch("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Dispatch error = %v, want ErrNotFound", err)
	}
	if err := f.RecordUsage("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordUsage error = %v, want ErrNotFound", err)
	}
}

func TestScaleUpAboveThreshold(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2")

	recordN(t, f, "shop", 5)
	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionScaleUp {
		t.Fatalf("decision = %s, want %s", decision, DecisionScaleUp)
	}

	groups, _ := f.Groups("shop")
	if len(groups) != 3 {
		t.Errorf("groups = %d, want 3", len(groups))
	}
	a, _ := f.lookup("shop")
	if a.usage.Len() != 0 {
		t.Errorf("usage window = %d events, want 0 after scale-up", a.usage.Len())
	}
}

func TestScaleUpDuplicatesCursorGroupAndKeepsCursor(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2")

	if _, err := f.Dispatch("shop"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	recordN(t, f, "shop", 5)
	if _, err := f.EvaluateScaling(context.Background(), "shop"); err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}

	groups, _ := f.Groups("shop")
	added := groups[len(groups)-1]
	if added.Containers[0].Image != "shop:2" {
		t.Errorf("new group image = %q, want duplicate of cursor group %q", added.Containers[0].Image, "shop:2")
	}
	if added.Address == "" {
		t.Error("new group has no address")
	}

	g, _ := f.Dispatch("shop")
	if g.Name != "shop-2" {
		t.Errorf("next dispatch = %s, want shop-2 (cursor not reset)", g.Name)
	}
	g, _ = f.Dispatch("shop")
	if g.Name != added.Name {
		t.Errorf("dispatch after tail = %s, want new group %s", g.Name, added.Name)
	}
}

func TestNoScaleUpAtThreshold(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2")

	recordN(t, f, "shop", DefaultScaleUpThreshold)
	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionNone {
		t.Errorf("decision = %s, want none", decision)
	}
}

func TestScaleUpStopsAtMax(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2", "3", "4")

	recordN(t, f, "shop", 50)
	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionNone {
		t.Errorf("decision = %s, want none at max", decision)
	}
	if groups, _ := f.Groups("shop"); len(groups) != 4 {
		t.Errorf("groups = %d, want 4", len(groups))
	}
}

func TestScaleDownRemovesCursorGroup(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2", "3")

	if _, err := f.Dispatch("shop"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionScaleDown {
		t.Fatalf("decision = %s, want %s", decision, DecisionScaleDown)
	}

	a, _ := f.lookup("shop")
	if a.groups.cursor != 0 {
		t.Errorf("cursor = %d, want 0", a.groups.cursor)
	}
	for i := 0; i < 6; i++ {
		g, err := f.Dispatch("shop")
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if g.Name == "shop-2" {
			t.Fatal("removed group was dispatched")
		}
	}

	f.Wait()
	if deleted := p.DeletedGroups(); len(deleted) != 1 || deleted[0] != "shop-2" {
		t.Errorf("deleted groups = %v, want [shop-2]", deleted)
	}
}

func TestScaleDownStopsAtMin(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2")

	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionNone {
		t.Errorf("decision = %s, want none at min", decision)
	}
}

func TestScaleDownIgnoresDeleteFailure(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2", "3")
	p.FailGroupDeletes(1)

	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionScaleDown {
		t.Fatalf("decision = %s, want %s", decision, DecisionScaleDown)
	}
	f.Wait()

	if groups, _ := f.Groups("shop"); len(groups) != 2 {
		t.Errorf("groups = %d, want 2 despite failed delete", len(groups))
	}
}

func TestUsageOutsideWindowIsPruned(t *testing.T) {
	p := fake.New()
	f, clock := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2", "3")

	recordN(t, f, "shop", 10)
	clock.Advance(DefaultWindow + time.Second)

	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionScaleDown {
		t.Errorf("decision = %s, want scale down once stale usage is pruned", decision)
	}
}

func TestScaleUpFailureLeavesCollection(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2")
	p.FailGroupCreates(3)

	recordN(t, f, "shop", 5)
	decision, err := f.EvaluateScaling(context.Background(), "shop")
	if !errors.Is(err, provisioner.ErrProvisioning) {
		t.Fatalf("EvaluateScaling error = %v, want ErrProvisioning", err)
	}
	if decision != DecisionScaleUp {
		t.Errorf("decision = %s, want %s", decision, DecisionScaleUp)
	}
	if groups, _ := f.Groups("shop"); len(groups) != 2 {
		t.Errorf("groups = %d, want 2", len(groups))
	}
}

func TestEvaluateSkipsWhileScaling(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2", "3")

	a, _ := f.lookup("shop")
	a.scaling.Lock()
	decision, err := f.EvaluateScaling(context.Background(), "shop")
	a.scaling.Unlock()

	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionBusy {
		t.Errorf("decision = %s, want busy", decision)
	}
	if groups, _ := f.Groups("shop"); len(groups) != 3 {
		t.Errorf("groups = %d, want 3", len(groups))
	}
}

func TestBoundsHoldAcrossScaleSequence(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2")
	rng := rand.New(rand.NewPCG(1, 2))
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if rng.IntN(2) == 0 {
			recordN(t, f, "shop", DefaultScaleUpThreshold+1+rng.IntN(5))
		}
		if _, err := f.EvaluateScaling(ctx, "shop"); err != nil {
			t.Fatalf("EvaluateScaling: %v", err)
		}
		n := len(mustGroups(t, f, "shop"))
		if n < DefaultMinGroups || n > DefaultMaxGroups {
			t.Fatalf("step %d: %d groups outside [%d, %d]", i, n, DefaultMinGroups, DefaultMaxGroups)
		}
	}
}

func mustGroups(t *testing.T, f *Fleet, app string) []model.ReplicaGroup {
	t.Helper()
	groups, err := f.Groups(app)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	return groups
}

func TestCreateAndDeleteApp(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	ctx := context.Background()
	template := model.ReplicaGroup{Containers: []model.Container{{
		Name: "api", Image: "orders:1", Ports: []model.Port{{Number: 8080, Public: true}},
	}}}

	groups, err := f.CreateApp(ctx, "Orders", template)
	if err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	if len(groups) != DefaultMinGroups {
		t.Fatalf("groups = %d, want %d", len(groups), DefaultMinGroups)
	}
	for _, g := range groups {
		if model.AppFromGroupName(g.Name) != "orders" {
			t.Errorf("group %s does not belong to orders", g.Name)
		}
	}

	if _, err := f.CreateApp(ctx, "orders", template); !errors.Is(err, ErrExists) {
		t.Errorf("second CreateApp error = %v, want ErrExists", err)
	}

	if err := f.DeleteApp(ctx, "orders"); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}
	if len(p.DeletedGroups()) != DefaultMinGroups {
		t.Errorf("deleted groups = %v, want %d", p.DeletedGroups(), DefaultMinGroups)
	}
	if _, err := f.Dispatch("orders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Dispatch after delete error = %v, want ErrNotFound", err)
	}
	if err := f.DeleteApp(ctx, "orders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteApp error = %v, want ErrNotFound", err)
	}
}

func TestCreateAppRejectsInvalidDefinitions(t *testing.T) {
	f, _ := newTestFleet(t, fake.New())
	ctx := context.Background()
	valid := model.ReplicaGroup{Containers: []model.Container{{Name: "a", Image: "b"}}}

	tests := []struct {
		name     string
		app      string
		template model.ReplicaGroup
	}{
		{"empty name", "", valid},
		{"dash in name", "my-app", valid},
		{"no containers", "app", model.ReplicaGroup{}},
		{"no image", "app", model.ReplicaGroup{Containers: []model.Container{{Name: "a"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.CreateApp(ctx, tt.app, tt.template); !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("CreateApp error = %v, want ErrInvalidDefinition", err)
			}
		})
	}
}

func TestCreateAppFailureRollsBack(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	p.FailGroupCreates(100)

	_, err := f.CreateApp(context.Background(), "orders", model.ReplicaGroup{
		Containers: []model.Container{{Name: "api", Image: "orders:1"}},
	})
	if !errors.Is(err, provisioner.ErrProvisioning) {
		t.Fatalf("CreateApp error = %v, want ErrProvisioning", err)
	}
	f.Wait()

	if len(f.Apps()) != 0 {
		t.Errorf("apps = %v, want none", f.Apps())
	}
	if groups, _ := p.ListGroups(context.Background()); len(groups) != 0 {
		t.Errorf("leftover groups = %d, want 0", len(groups))
	}
}

func TestInvokeForwardsAndRecordsUsage(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1", "2")

	resp, err := f.Invoke(context.Background(), "shop", "checkout", json.RawMessage(`{"cart":1}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var body struct {
		Group    string `json:"group"`
		Function string `json:"function"`
	}
	if err := json.Unmarshal(resp, &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Group != "shop-1" || body.Function != "checkout" {
		t.Errorf("response = %+v, want shop-1/checkout", body)
	}

	apps := f.Apps()
	if len(apps) != 1 || apps[0].RecentUsage != 1 {
		t.Errorf("apps = %+v, want one app with one usage event", apps)
	}
}

func TestEvaluateTopsUpAdoptedAppBelowMin(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	seedApp(t, p, f, "shop", "1")
	ctx := context.Background()

	decision, err := f.EvaluateScaling(ctx, "shop")
	if err != nil {
		t.Fatalf("EvaluateScaling: %v", err)
	}
	if decision != DecisionScaleUp {
		t.Fatalf("decision = %s, want %s", decision, DecisionScaleUp)
	}
	groups := mustGroups(t, f, "shop")
	if len(groups) != DefaultMinGroups {
		t.Fatalf("groups = %d, want %d", len(groups), DefaultMinGroups)
	}
	if groups[1].Containers[0].Image != "shop:1" {
		t.Errorf("new group image = %s, want a copy of shop:1", groups[1].Containers[0].Image)
	}

	// At the minimum with no usage, nothing else happens.
	decision, err = f.EvaluateScaling(ctx, "shop")
	if err != nil {
		t.Fatalf("second EvaluateScaling: %v", err)
	}
	if decision != DecisionNone {
		t.Errorf("second decision = %s, want %s", decision, DecisionNone)
	}
}

func TestLoadExistingSkipsUnnamedGroups(t *testing.T) {
	p := fake.New()
	f, _ := newTestFleet(t, p)
	p.SeedGroup(model.ReplicaGroup{Name: "loner"})
	seedApp(t, p, f, "shop", "1")

	apps := f.Apps()
	if len(apps) != 1 || apps[0].Name != "shop" {
		t.Errorf("apps = %+v, want only shop", apps)
	}
}
