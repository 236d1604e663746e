// Package assembler implements the Pipeline Assembler: a pure function
// from virtual-model configs and discovered providers to
// per-virtual-model pipeline pools, plus the assembly diagnostics the
// Manager needs to decide whether it may enter serving state.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jasonzhangf/rcc-sub004/credential"
	"github.com/Jasonzhangf/rcc-sub004/domain"
	"github.com/Jasonzhangf/rcc-sub004/internal/rlog"
	"github.com/Jasonzhangf/rcc-sub004/pipeline"
	"github.com/Jasonzhangf/rcc-sub004/provider"
	"github.com/Jasonzhangf/rcc-sub004/provider/anthropic"
	"github.com/Jasonzhangf/rcc-sub004/provider/gemini"
	"github.com/Jasonzhangf/rcc-sub004/provider/openai"
	"github.com/Jasonzhangf/rcc-sub004/scheduler"
)

// Severity distinguishes a dropped-target warning from a fatal failure.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Diagnostic is one assembly-time note: a dropped target, an unresolved
// provider, or the terminal success/failure verdict.
type Diagnostic struct {
	Severity       Severity
	VirtualModelID string
	Message        string
}

// Result is the Assembler's output: one PipelinePool per virtual model
// that survived assembly, plus every diagnostic raised along the way.
type Result struct {
	Pools       map[string]*scheduler.Scheduler
	Diagnostics []Diagnostic
	Success     bool
}

// PoolPolicy carries the per-virtual-model scheduler configuration the
// Assembler wires into each produced Scheduler.
type PoolPolicy struct {
	Strategy    domain.LBStrategy
	Retry       domain.RetryPolicy
	Breaker     scheduler.BreakerConfig
	MaxInFlight int
}

// Assemble resolves every VirtualModel's Targets against providers,
// builds one Pipeline per surviving Target, groups them into
// ready-to-serve Schedulers, and reports success iff at least one pool
// has at least one enabled pipeline. Iteration order over providers is
// sorted by provider_id so repeated runs over identical input are
// deterministic.
func Assemble(vms []domain.VirtualModel, providers map[string]*domain.Provider, policies map[string]PoolPolicy, timeout time.Duration, logger rlog.Logger) Result {
	logger = rlog.Default(logger)
	res := Result{Pools: map[string]*scheduler.Scheduler{}}

	providerIDs := make([]string, 0, len(providers))
	for id := range providers {
		providerIDs = append(providerIDs, id)
	}
	sort.Strings(providerIDs)

	discoverCapabilities(providerIDs, providers, timeout, logger)

	// One rotator per provider, shared by every pipeline routed at it, so
	// slot status and quota accounting agree across virtual models.
	rotators := make(map[string]*credential.Rotator, len(providers))
	for _, id := range providerIDs {
		rotators[id] = credential.New(credential.PolicyRoundRobin, providers[id].Credentials, logger)
	}

	for _, vm := range vms {
		if !vm.Enabled {
			continue
		}

		var pipelines []*pipeline.Pipeline
		for i, target := range vm.Targets {
			if !target.Enabled {
				continue
			}

			prov, ok := providers[target.ProviderID]
			if !ok {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{
					SeverityWarning, vm.ID,
					fmt.Sprintf("target %d: unknown provider %q, dropped", i, target.ProviderID),
				})
				continue
			}

			model, ok := prov.Models[target.ModelID]
			if !ok {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{
					SeverityWarning, vm.ID,
					fmt.Sprintf("target %d: unknown model %q on provider %q, dropped", i, target.ModelID, target.ProviderID),
				})
				continue
			}

			if sel := target.CredentialSelector; sel != "" && sel != "any" && !hasSlot(prov, sel) {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{
					SeverityWarning, vm.ID,
					fmt.Sprintf("target %d: no credential slot %q on provider %q, dropped", i, sel, target.ProviderID),
				})
				continue
			}

			adapter, err := buildAdapter(prov, timeout, logger)
			if err != nil {
				res.Diagnostics = append(res.Diagnostics, Diagnostic{
					SeverityWarning, vm.ID,
					fmt.Sprintf("target %d: %v, dropped", i, err),
				})
				continue
			}

			pid := fmt.Sprintf("%s/%s/%s#%d", vm.ID, target.ProviderID, target.ModelID, i)
			p := pipeline.New(pid, target, target.ProviderID, transformsFor(prov), adapter, rotators[target.ProviderID], model)
			pipelines = append(pipelines, p)
		}

		if len(pipelines) == 0 {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				SeverityWarning, vm.ID,
				"no targets resolved, virtual model has no usable pool",
			})
			continue
		}

		policy, ok := policies[vm.ID]
		if !ok {
			policy = PoolPolicy{Strategy: domain.LBRoundRobin, Retry: domain.DefaultRetryPolicy(), Breaker: scheduler.DefaultBreakerConfig(), MaxInFlight: 50}
		}

		cfg := scheduler.Config{
			Strategy:    policy.Strategy,
			Retry:       policy.Retry,
			Breaker:     policy.Breaker,
			MaxInFlight: policy.MaxInFlight,
		}
		res.Pools[vm.ID] = scheduler.New(vm.ID, pipelines, cfg, logger)
	}

	res.Success = len(res.Pools) > 0
	if !res.Success {
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			SeverityFatal, "", "assembly produced no usable pipeline pools",
		})
	}
	return res
}

// discoverCapabilities fans out DetectCapabilities across every provider
// concurrently and logs whatever model ids each credential can see. This
// is advisory only — it never blocks or fails assembly, since a provider
// with no listing endpoint (provider.ErrUnsupported) is the common case —
// but it surfaces drift between a declared model list and what the
// upstream account actually exposes, ahead of the pool serving traffic.
func discoverCapabilities(providerIDs []string, providers map[string]*domain.Provider, timeout time.Duration, logger rlog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range providerIDs {
		prov := providers[id]
		if len(prov.Credentials) == 0 {
			continue
		}
		g.Go(func() error {
			adapter, err := buildAdapter(prov, timeout, logger)
			if err != nil {
				return nil
			}
			models, err := adapter.DetectCapabilities(gctx, prov.Credentials[0])
			if err != nil {
				if err != provider.ErrUnsupported {
					logger.Debug("capability discovery failed", map[string]interface{}{
						"provider": prov.ProviderID, "error": err.Error(),
					})
				}
				return nil
			}
			logger.Info("discovered provider capabilities", map[string]interface{}{
				"provider": prov.ProviderID, "models": models,
			})
			return nil
		})
	}
	_ = g.Wait()
}

// transformsFor returns the transform chain for a provider's protocol.
// Inbound bodies are already normalized before routing, so the chain is
// empty and the adapter is the sole (terminal) step.
func transformsFor(p *domain.Provider) []pipeline.Transform {
	return nil
}

func buildAdapter(p *domain.Provider, timeout time.Duration, logger rlog.Logger) (provider.Adapter, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	switch p.Protocol {
	case domain.ProtocolAnthropic:
		return anthropic.New(p.BaseURL, timeout, logger), nil
	case domain.ProtocolGemini:
		return gemini.New(p.BaseURL, timeout, logger), nil
	case domain.ProtocolOpenAI:
		return openai.New(aliasFor(p.Alias), p.BaseURL, p.DefaultHeaders, timeout, logger), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown protocol %q", p.ProviderID, p.Protocol)
	}
}

func hasSlot(p *domain.Provider, name string) bool {
	for _, s := range p.Credentials {
		if s.Name == name {
			return true
		}
	}
	return false
}

func aliasFor(alias string) openai.Alias {
	switch alias {
	case "deepseek":
		return openai.AliasDeepSeek
	case "qwen":
		return openai.AliasQwen
	case "iflow":
		return openai.AliasIFlow
	case "lmstudio":
		return openai.AliasLMStudio
	default:
		return openai.AliasOpenAI
	}
}
