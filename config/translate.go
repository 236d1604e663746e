package config

import (
	"fmt"

	"github.com/Jasonzhangf/rcc-sub004/domain"
)

// ToDomain converts a parsed File into the domain.Provider map and
// domain.VirtualModel slice the Assembler consumes, resolving credential
// secrets (possibly reading files) along the way.
func (f *File) ToDomain() (map[string]*domain.Provider, []domain.VirtualModel, error) {
	providers := make(map[string]*domain.Provider, len(f.Providers))
	for _, pc := range f.Providers {
		creds, err := ResolveCredentials(pc.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", pc.ProviderID, err)
		}

		slots := make([]*domain.CredentialSlot, 0, len(creds))
		for _, c := range creds {
			slots = append(slots, &domain.CredentialSlot{
				Name:   c.Name,
				Secret: c.Secret,
				Weight: c.Weight,
				Status: domain.SlotActive,
			})
		}

		models := make(map[string]*domain.ProviderModel, len(pc.Models))
		for _, m := range pc.Models {
			models[m.ModelID] = &domain.ProviderModel{
				ModelID:           m.ModelID,
				DeclaredMaxTokens: m.DeclaredMaxTokens,
				Verification:      domain.VerificationUnverified,
			}
		}

		providers[pc.ProviderID] = &domain.Provider{
			ProviderID:     pc.ProviderID,
			Protocol:       domain.Protocol(pc.Protocol),
			BaseURL:        pc.BaseURL,
			DefaultHeaders: pc.Headers,
			Credentials:    slots,
			Models:         models,
			Alias:          pc.Alias,
		}
	}

	vms := make([]domain.VirtualModel, 0, len(f.VirtualModels))
	for _, vc := range f.VirtualModels {
		targets := make([]domain.Target, 0, len(vc.Targets))
		for _, tc := range vc.Targets {
			targets = append(targets, domain.Target{
				ProviderID:         tc.ProviderID,
				ModelID:            tc.ModelID,
				CredentialSelector: tc.CredentialSelector,
				Weight:             tc.Weight,
				Enabled:            Enabled(tc.Enabled),
			})
		}
		vms = append(vms, domain.VirtualModel{
			ID:             vc.ID,
			Enabled:        Enabled(vc.Enabled),
			CapabilityTags: vc.CapabilityTags,
			Targets:        targets,
		})
	}

	return providers, vms, nil
}

// ParseStrategy parses a VirtualModelConfig's strategy string into a
// domain.LBStrategy, defaulting to round-robin.
func (vc VirtualModelConfig) ParseStrategy() domain.LBStrategy {
	switch vc.Strategy {
	case string(domain.LBWeighted):
		return domain.LBWeighted
	case string(domain.LBLeastLoaded):
		return domain.LBLeastLoaded
	case string(domain.LBFailover):
		return domain.LBFailover
	default:
		return domain.LBRoundRobin
	}
}
