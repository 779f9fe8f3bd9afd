package catalog

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeProviderRepo struct {
	byID map[uuid.UUID]*Provider
}

func newFakeProviderRepo() *fakeProviderRepo {
	return &fakeProviderRepo{byID: map[uuid.UUID]*Provider{}}
}

func (f *fakeProviderRepo) Create(ctx context.Context, prov *Provider) error {
	if prov.ID == uuid.Nil {
		prov.ID = uuid.New()
	}
	if _, ok := f.byID[prov.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *prov
	f.byID[prov.ID] = &cp
	return nil
}

func (f *fakeProviderRepo) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProviderRepo) Update(ctx context.Context, p *Provider) error {
	if _, ok := f.byID[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	f.byID[p.ID] = &cp
	return nil
}

func (f *fakeProviderRepo) List(ctx context.Context, filter ProviderFilter, limit, offset int) ([]*Provider, int, error) {
	var out []*Provider
	for _, p := range f.byID {
		if filter.Active != nil && p.Active != *filter.Active {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

type fakeServiceRepo struct {
	byID map[uuid.UUID]*Service
}

func newFakeServiceRepo() *fakeServiceRepo {
	return &fakeServiceRepo{byID: map[uuid.UUID]*Service{}}
}

func (f *fakeServiceRepo) Create(ctx context.Context, svc *Service) error {
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	if _, ok := f.byID[svc.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *svc
	f.byID[svc.ID] = &cp
	return nil
}

func (f *fakeServiceRepo) GetByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeServiceRepo) Update(ctx context.Context, s *Service) error {
	if _, ok := f.byID[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	f.byID[s.ID] = &cp
	return nil
}

func (f *fakeServiceRepo) List(ctx context.Context, filter ServiceFilter, limit, offset int) ([]*Service, int, error) {
	var out []*Service
	for _, s := range f.byID {
		if filter.Active != nil && s.Active != *filter.Active {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func newTestCatalog() *Catalog {
	return NewCatalog(newFakeProviderRepo(), newFakeServiceRepo(), zerolog.Nop())
}

func seedProvider(t *testing.T, cat *Catalog, name string) *Provider {
	t.Helper()
	p := &Provider{Name: name}
	if err := cat.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	return p
}

func seedService(t *testing.T, cat *Catalog, name string, minutes int) *Service {
	t.Helper()
	s := &Service{Name: name, DurationMinutes: minutes}
	if err := cat.CreateService(context.Background(), s); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	return s
}

func TestCreateProvider(t *testing.T) {
	cat := newTestCatalog()

	prov := &Provider{Name: "Dr. Reyes"}
	if err := cat.CreateProvider(context.Background(), prov); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if prov.ID == uuid.Nil {
		t.Fatal("ID not generated")
	}
	if !prov.Active {
		t.Fatal("new providers should start active")
	}
}

func TestCreateProviderSuppliedID(t *testing.T) {
	cat := newTestCatalog()

	id := uuid.New()
	p := &Provider{ID: id, Name: "Dr. Reyes"}
	if err := cat.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if p.ID != id {
		t.Fatalf("ID = %s, want supplied %s", p.ID, id)
	}
}

func TestCreateProviderRequiresName(t *testing.T) {
	cat := newTestCatalog()

	for _, name := range []string{"", "   "} {
		if err := cat.CreateProvider(context.Background(), &Provider{Name: name}); err == nil {
			t.Fatalf("name %q: err = nil, want validation error", name)
		}
	}
}

func TestCreateProviderDuplicateID(t *testing.T) {
	cat := newTestCatalog()

	p := seedProvider(t, cat, "Dr. Reyes")
	err := cat.CreateProvider(context.Background(), &Provider{ID: p.ID, Name: "Dr. Okafor"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateProviderForcesActive(t *testing.T) {
	cat := newTestCatalog()

	p := &Provider{Name: "Dr. Reyes", Active: false}
	if err := cat.CreateProvider(context.Background(), p); err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	got, err := cat.GetProvider(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if !got.Active {
		t.Fatal("create must not persist an inactive provider")
	}
}

func TestGetProviderNotFound(t *testing.T) {
	cat := newTestCatalog()

	_, err := cat.GetProvider(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateProvider(t *testing.T) {
	cat := newTestCatalog()

	p := seedProvider(t, cat, "Dr. Reyes")
	title := "Physiotherapist"
	p.Name = "Dr. Ana Reyes"
	p.Title = &title
	if err := cat.UpdateProvider(context.Background(), p); err != nil {
		t.Fatalf("UpdateProvider: %v", err)
	}

	got, err := cat.GetProvider(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Name != "Dr. Ana Reyes" {
		t.Fatalf("name not updated: %q", got.Name)
	}
	if got.Title == nil || *got.Title != title {
		t.Fatalf("title not updated: %v", got.Title)
	}
}

func TestUpdateProviderNotFound(t *testing.T) {
	cat := newTestCatalog()

	err := cat.UpdateProvider(context.Background(), &Provider{ID: uuid.New(), Name: "Dr. Reyes"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateProviderRequiresName(t *testing.T) {
	cat := newTestCatalog()

	p := seedProvider(t, cat, "Dr. Reyes")
	p.Name = "  "
	if err := cat.UpdateProvider(context.Background(), p); err == nil {
		t.Fatal("blank name accepted")
	}
}

func TestDeactivateProvider(t *testing.T) {
	cat := newTestCatalog()

	p := seedProvider(t, cat, "Dr. Reyes")
	if err := cat.DeactivateProvider(context.Background(), p.ID); err != nil {
		t.Fatalf("DeactivateProvider: %v", err)
	}

	got, err := cat.GetProvider(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	if got.Active {
		t.Fatal("provider still active after deactivation")
	}

	// Second deactivation is a no-op.
	if err := cat.DeactivateProvider(context.Background(), p.ID); err != nil {
		t.Fatalf("repeat DeactivateProvider: %v", err)
	}
}

func TestDeactivateProviderNotFound(t *testing.T) {
	cat := newTestCatalog()

	err := cat.DeactivateProvider(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListProvidersActiveFilter(t *testing.T) {
	cat := newTestCatalog()

	seedProvider(t, cat, "Dr. Adeyemi")
	seedProvider(t, cat, "Dr. Brand")
	retired := seedProvider(t, cat, "Dr. Cho")
	if err := cat.DeactivateProvider(context.Background(), retired.ID); err != nil {
		t.Fatalf("DeactivateProvider: %v", err)
	}

	all, total, err := cat.ListProviders(context.Background(), ProviderFilter{}, 20, 0)
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("got total=%d len=%d, want 3 providers", total, len(all))
	}

	active := true
	bookable, total, err := cat.ListProviders(context.Background(), ProviderFilter{Active: &active}, 20, 0)
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	if total != 2 || len(bookable) != 2 {
		t.Fatalf("got total=%d len=%d, want 2 active providers", total, len(bookable))
	}
	for _, p := range bookable {
		if !p.Active {
			t.Fatalf("inactive provider %s in active listing", p.Name)
		}
	}
}

func TestListProvidersPagination(t *testing.T) {
	cat := newTestCatalog()

	seedProvider(t, cat, "Dr. Adeyemi")
	seedProvider(t, cat, "Dr. Brand")
	seedProvider(t, cat, "Dr. Cho")

	page, total, err := cat.ListProviders(context.Background(), ProviderFilter{}, 1, 1)
	if err != nil {
		t.Fatalf("ListProviders: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(page) != 1 || page[0].Name != "Dr. Brand" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestCreateService(t *testing.T) {
	cat := newTestCatalog()

	desc := "Initial assessment"
	svc := &Service{Name: "Intake Consultation", Description: &desc, DurationMinutes: 45}
	if err := cat.CreateService(context.Background(), svc); err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	if svc.ID == uuid.Nil {
		t.Fatal("ID not generated")
	}
	if !svc.Active {
		t.Fatal("new services should start active")
	}
}

func TestCreateServiceValidation(t *testing.T) {
	cat := newTestCatalog()

	cases := []struct {
		name string
		svc  Service
	}{
		{"missing name", Service{DurationMinutes: 30}},
		{"blank name", Service{Name: "   ", DurationMinutes: 30}},
		{"zero duration", Service{Name: "Consult"}},
		{"negative duration", Service{Name: "Consult", DurationMinutes: -15}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := tc.svc
			if err := cat.CreateService(context.Background(), &svc); err == nil {
				t.Fatal("invalid service accepted")
			}
		})
	}
}

func TestUpdateService(t *testing.T) {
	cat := newTestCatalog()

	s := seedService(t, cat, "Consult", 30)
	s.DurationMinutes = 60
	if err := cat.UpdateService(context.Background(), s); err != nil {
		t.Fatalf("UpdateService: %v", err)
	}

	got, err := cat.GetService(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if got.DurationMinutes != 60 {
		t.Fatalf("duration not updated: %d", got.DurationMinutes)
	}
}

func TestDeactivateService(t *testing.T) {
	cat := newTestCatalog()

	s := seedService(t, cat, "Consult", 30)
	if err := cat.DeactivateService(context.Background(), s.ID); err != nil {
		t.Fatalf("DeactivateService: %v", err)
	}

	got, err := cat.GetService(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if got.Active {
		t.Fatal("service still active after deactivation")
	}
}

func TestProviderActive(t *testing.T) {
	cat := newTestCatalog()

	p := seedProvider(t, cat, "Dr. Reyes")
	retired := seedProvider(t, cat, "Dr. Cho")
	if err := cat.DeactivateProvider(context.Background(), retired.ID); err != nil {
		t.Fatalf("DeactivateProvider: %v", err)
	}

	cases := []struct {
		name string
		id   uuid.UUID
		want bool
	}{
		{"active", p.ID, true},
		{"deactivated", retired.ID, false},
		{"unknown", uuid.New(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cat.ProviderActive(context.Background(), tc.id)
			if err != nil {
				t.Fatalf("ProviderActive: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ProviderActive(%s) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
}

func TestServiceActive(t *testing.T) {
	cat := newTestCatalog()

	s := seedService(t, cat, "Consult", 30)
	retired := seedService(t, cat, "Legacy Consult", 30)
	if err := cat.DeactivateService(context.Background(), retired.ID); err != nil {
		t.Fatalf("DeactivateService: %v", err)
	}

	cases := []struct {
		name string
		id   uuid.UUID
		want bool
	}{
		{"active", s.ID, true},
		{"deactivated", retired.ID, false},
		{"unknown", uuid.New(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cat.ServiceActive(context.Background(), tc.id)
			if err != nil {
				t.Fatalf("ServiceActive: %v", err)
			}
			if got != tc.want {
				t.Fatalf("ServiceActive(%s) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
}
