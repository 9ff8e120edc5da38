package devserver

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Project is a regulatory submission project, the devserver's only
// resource type.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DeviceName  string    `json:"device_name,omitempty"`
	DeviceClass string    `json:"device_class,omitempty"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var deviceClasses = map[string]struct{}{"I": {}, "II": {}, "III": {}}

var projectStatuses = map[string]struct{}{
	"draft": {}, "in_review": {}, "submitted": {},
}

// CreateProjectInput is the POST /v1/projects body. Unknown fields are
// ignored.
type CreateProjectInput struct {
	Name        string `json:"name"`
	DeviceName  string `json:"device_name"`
	DeviceClass string `json:"device_class"`
	Status      string `json:"status"`
	Notes       string `json:"notes"`
}

// UpdateProjectInput is the PUT /v1/projects/{id} body, interpreted as a
// merge patch: nil pointers leave fields untouched. Updates are
// last-write-wins; offline replays apply in client enqueue order.
type UpdateProjectInput struct {
	Name        *string `json:"name"`
	DeviceName  *string `json:"device_name"`
	DeviceClass *string `json:"device_class"`
	Status      *string `json:"status"`
	Notes       *string `json:"notes"`
}

// ProjectStore is the devserver's in-memory project table.
type ProjectStore struct {
	mu       sync.Mutex
	projects map[string]*Project
	order    []string
	clock    func() time.Time
}

func NewProjectStore(clock func() time.Time) *ProjectStore {
	if clock == nil {
		clock = time.Now
	}
	return &ProjectStore{
		projects: make(map[string]*Project),
		clock:    clock,
	}
}

func validateProject(name, deviceClass, status string) []Field {
	var fields []Field
	if strings.TrimSpace(name) == "" {
		fields = append(fields, Field{Field: "name", Message: "name is required"})
	}
	if deviceClass != "" {
		if _, ok := deviceClasses[deviceClass]; !ok {
			fields = append(fields, Field{Field: "device_class", Message: "device_class must be one of I, II, III"})
		}
	}
	if status != "" {
		if _, ok := projectStatuses[status]; !ok {
			fields = append(fields, Field{Field: "status", Message: "status must be one of draft, in_review, submitted"})
		}
	}
	return fields
}

func (s *ProjectStore) Create(input CreateProjectInput) (*Project, error) {
	if fields := validateProject(input.Name, input.DeviceClass, input.Status); len(fields) > 0 {
		return nil, newError(CodeValidation, "invalid project", fields...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	status := input.Status
	if status == "" {
		status = "draft"
	}
	p := &Project{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(input.Name),
		DeviceName:  input.DeviceName,
		DeviceClass: input.DeviceClass,
		Status:      status,
		Notes:       input.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.projects[p.ID] = p
	s.order = append(s.order, p.ID)
	cp := *p
	return &cp, nil
}

func (s *ProjectStore) Get(id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, newError(CodeNotFound, "project not found")
	}
	cp := *p
	return &cp, nil
}

func (s *ProjectStore) List() []Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.projects[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (s *ProjectStore) Update(id string, input UpdateProjectInput) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, newError(CodeNotFound, "project not found")
	}
	// Submitted projects are locked; a submission can't be edited after the
	// fact.
	if p.Status == "submitted" {
		return nil, newError(CodeConflict, "project already submitted")
	}

	name := p.Name
	if input.Name != nil {
		name = *input.Name
	}
	deviceClass := p.DeviceClass
	if input.DeviceClass != nil {
		deviceClass = *input.DeviceClass
	}
	status := p.Status
	if input.Status != nil {
		status = *input.Status
	}
	if fields := validateProject(name, deviceClass, status); len(fields) > 0 {
		return nil, newError(CodeValidation, "invalid project", fields...)
	}

	p.Name = strings.TrimSpace(name)
	p.DeviceClass = deviceClass
	p.Status = status
	if input.DeviceName != nil {
		p.DeviceName = *input.DeviceName
	}
	if input.Notes != nil {
		p.Notes = *input.Notes
	}
	p.UpdatedAt = s.clock()
	cp := *p
	return &cp, nil
}

func (s *ProjectStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return newError(CodeNotFound, "project not found")
	}
	delete(s.projects, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
