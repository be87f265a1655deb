package runs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LaunchRequest is the provisioning payload accepted from clients. Field
// names follow the variables expected by the workflow template.
type LaunchRequest struct {
	RunID                   string           `json:"run_id" validate:"omitempty,max=128,printascii"`
	Region                  string           `json:"region" validate:"required"`
	CorePriCIDR             string           `json:"CorePriCIDR" validate:"required,cidrv4"`
	CoreSecCIDR             string           `json:"CoreSecCIDR" validate:"omitempty,cidrv4"`
	CorePublicSubnetsPerAZ  *int             `json:"CorepublicSubnetsPerAZ" validate:"omitempty,min=0,max=16"`
	CorePrivateSubnetsPerAZ *int             `json:"CoreprivateSubnetsPerAZ" validate:"omitempty,min=0,max=16"`
	CoreIGW                 bool             `json:"coreIgw"`
	EdgePriCIDR             string           `json:"EdgePriCIDR" validate:"required,cidrv4"`
	EdgeSecCIDR             string           `json:"EdgeSecCIDR" validate:"omitempty,cidrv4"`
	EdgePublicSubnetsPerAZ  *int             `json:"EdgepublicSubnetsPerAZ" validate:"omitempty,min=0,max=16"`
	EdgePrivateSubnetsPerAZ *int             `json:"EdgeprivateSubnetsPerAZ" validate:"omitempty,min=0,max=16"`
	EdgeIGW                 bool             `json:"edgeIgw"`
	AZsPerVPC               *int             `json:"azsperVPC" validate:"omitempty,min=1,max=6"`
	Tags                    []map[string]any `json:"tags"`
}

// Validate checks the request and returns an ErrInvalidInput error naming
// the offending fields.
func (r LaunchRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

// ExtraVars reshapes the request into the workflow's extra vars: a single
// job_vars entry with defaults applied and CIDRs wrapped in lists.
func (r LaunchRequest) ExtraVars() map[string]any {
	tags := r.Tags
	if tags == nil {
		tags = []map[string]any{}
	}
	jobVars := map[string]any{
		"region":                  r.Region,
		"CorePriCIDR":             cidrList(r.CorePriCIDR),
		"CoreSecCIDR":             cidrList(r.CoreSecCIDR),
		"CorepublicSubnetsPerAZ":  intOr(r.CorePublicSubnetsPerAZ, 1),
		"CoreprivateSubnetsPerAZ": intOr(r.CorePrivateSubnetsPerAZ, 1),
		"coreIgw":                 r.CoreIGW,
		"EdgePriCIDR":             cidrList(r.EdgePriCIDR),
		"EdgeSecCIDR":             cidrList(r.EdgeSecCIDR),
		"EdgepublicSubnetsPerAZ":  intOr(r.EdgePublicSubnetsPerAZ, 1),
		"EdgeprivateSubnetsPerAZ": intOr(r.EdgePrivateSubnetsPerAZ, 1),
		"edgeIgw":                 r.EdgeIGW,
		"azsperVPC":               intOr(r.AZsPerVPC, 2),
		"tags":                    tags,
	}
	return map[string]any{"job_vars": []any{jobVars}}
}

func cidrList(cidr string) []string {
	if cidr == "" {
		return []string{}
	}
	return []string{cidr}
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
