// Package templates reads workflow template definitions from YAML.
//
//	templates:
//	  - code: far-standard
//	    transfer_type: FAR
//	    stages:
//	      - order: 1
//	        name: Manager
//	        policy: ANY
//	        required_role: manager
package templates

import (
	"bytes"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-budget-transfers/internal/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// File is the document layout.
type File struct {
	Templates []Definition `yaml:"templates" json:"templates"`
}

// Definition describes one workflow template.
type Definition struct {
	Code         string            `yaml:"code" json:"code"`
	TransferType string            `yaml:"transfer_type" json:"transfer_type"`
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description" json:"description"`
	Stages       []StageDefinition `yaml:"stages" json:"stages"`
}

// StageDefinition describes one stage. AllowReject and AllowDelegate default
// to true when omitted.
type StageDefinition struct {
	Order           int     `yaml:"order" json:"order"`
	Name            string  `yaml:"name" json:"name"`
	Policy          string  `yaml:"policy" json:"policy"`
	QuorumCount     *int    `yaml:"quorum_count" json:"quorum_count"`
	RequiredLevelID *string `yaml:"required_level_id" json:"required_level_id"`
	RequiredRole    *string `yaml:"required_role" json:"required_role"`
	AllowReject     *bool   `yaml:"allow_reject" json:"allow_reject"`
	AllowDelegate   *bool   `yaml:"allow_delegate" json:"allow_delegate"`
	SLAHours        *int    `yaml:"sla_hours" json:"sla_hours"`
	ParallelGroup   *int    `yaml:"parallel_group" json:"parallel_group"`
}

// LoadFile reads and parses the definitions in path.
func LoadFile(path string) ([]*repository.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read template file")
	}
	return Parse(data)
}

// Parse decodes a template document. Unknown keys are rejected.
func Parse(data []byte) ([]*repository.WorkflowTemplate, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse template file")
	}
	if len(f.Templates) == 0 {
		return nil, errors.InvalidInput("templates", "no templates defined")
	}

	out := make([]*repository.WorkflowTemplate, 0, len(f.Templates))
	for _, d := range f.Templates {
		out = append(out, d.Template())
	}
	return out, nil
}

// Template converts the definition. Validation is left to the template
// service.
func (d Definition) Template() *repository.WorkflowTemplate {
	tpl := &repository.WorkflowTemplate{
		Code:         strings.TrimSpace(d.Code),
		TransferType: repository.TransferType(strings.ToUpper(strings.TrimSpace(d.TransferType))),
		Name:         d.Name,
	}
	if d.Description != "" {
		desc := d.Description
		tpl.Description = &desc
	}
	for _, s := range d.Stages {
		tpl.Stages = append(tpl.Stages, &repository.StageTemplate{
			OrderIndex:          s.Order,
			Name:                s.Name,
			DecisionPolicy:      repository.DecisionPolicy(strings.ToUpper(strings.TrimSpace(s.Policy))),
			QuorumCount:         s.QuorumCount,
			RequiredUserLevelID: s.RequiredLevelID,
			RequiredRole:        s.RequiredRole,
			AllowReject:         boolOr(s.AllowReject, true),
			AllowDelegate:       boolOr(s.AllowDelegate, true),
			SLAHours:            s.SLAHours,
			ParallelGroup:       s.ParallelGroup,
		})
	}
	return tpl
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
