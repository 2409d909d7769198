package allocator

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/flow"
	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

func TestAllocator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Allocator Suite")
}

var chainSpecs = map[model.RequestCategory]ChainSpec{
	model.CategoryInboundUserProtection: {
		Chain:     []model.VNFType{model.VNFFirewall, model.VNFEncryption, model.VNFSpamFilter},
		Direction: model.DirectionInbound,
	},
	model.CategoryAntiSpoofEnforcement: {
		Chain:     []model.VNFType{model.VNFFirewall, model.VNFSpamFilter},
		Direction: model.DirectionBidirectional,
	},
}

type fixture struct {
	runtime   *driver.LocalRuntime
	drv       *driver.Driver
	flows     *flow.Controller
	alloc     *Allocator
	instances map[model.VNFType]model.Instance
}

func newFixture(cap int) *fixture {
	log := zap.NewNop()
	f := &fixture{instances: make(map[model.VNFType]model.Instance)}
	f.runtime = driver.NewLocalRuntime()
	f.drv = driver.NewDriver(f.runtime, driver.Options{HealthCheckTimeout: 5 * time.Second}, log)
	f.flows = flow.NewController(f.drv.Get, log)
	f.drv.OnDrain(func(inst model.Instance) { f.flows.RemoveRulesForInstance(inst.ID) })

	reg := metrics.NewRegistry(log)
	ins, err := metrics.NewInstruments(reg)
	Expect(err).NotTo(HaveOccurred())

	f.alloc = New(f.flows, f.drv, ins, Config{ConcurrencyCap: cap, Specs: chainSpecs}, log)
	f.flows.OnChainRef(f.alloc.HasActiveChains)
	return f
}

func (f *fixture) boot(types ...model.VNFType) {
	ctx := context.Background()
	for _, t := range types {
		inst, err := f.drv.Create(ctx, t)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.drv.WaitActive(ctx, inst.ID)).To(Succeed())
		_, err = f.flows.AddRule(t, inst.ID, 100, "")
		Expect(err).NotTo(HaveOccurred())
		f.instances[t] = inst
	}
}

var inboundMeta = map[string]string{"direction": "inbound"}

var _ = Describe("Classify", func() {
	It("maps metadata to the request categories", func() {
		Expect(Classify(map[string]string{"saas_access": "true"})).To(Equal(model.CategoryBranchSaaSAccess))
		Expect(Classify(map[string]string{"has_attachments": "true"})).To(Equal(model.CategoryAttachmentRisk))
		Expect(Classify(map[string]string{"compliance_required": "true"})).To(Equal(model.CategoryOutboundCompliance))
		Expect(Classify(inboundMeta)).To(Equal(model.CategoryInboundUserProtection))
		Expect(Classify(map[string]string{})).To(Equal(model.CategoryAntiSpoofEnforcement))
	})
})

var _ = Describe("Allocator", func() {
	ctx := context.Background()

	Describe("Allocate", func() {
		It("activates a chain when every hop is satisfied", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall, model.VNFEncryption, model.VNFSpamFilter)

			req, err := f.alloc.BuildRequest(inboundMeta, 7)
			Expect(err).NotTo(HaveOccurred())

			chain, err := f.alloc.Allocate(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(chain.Status).To(Equal(model.ChainActive))
			Expect(chain.Instances).To(HaveLen(3))
			Expect(chain.FlowRuleIDs).To(HaveLen(3))
			Expect(f.flows.RulesForChain(chain.ChainID)).To(HaveLen(3))

			for _, id := range chain.Instances {
				Expect(f.alloc.Reservation(id)).To(Equal(1))
			}
		})

		It("fails fast with no-capacity on a missing type", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall) // encryption and spamfilter missing

			req, err := f.alloc.BuildRequest(inboundMeta, 5)
			Expect(err).NotTo(HaveOccurred())

			_, err = f.alloc.Allocate(ctx, req)
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeNoCapacity))
			Expect(f.alloc.Reservation(f.instances[model.VNFFirewall].ID)).To(Equal(0))
		})

		It("rolls back rules and reservations when the second install conflicts", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall, model.VNFEncryption, model.VNFSpamFilter)

			// Pre-install a rule that collides with the chain's second
			// hop: same instance, same derived priority, same chain id.
			req := model.ChainRequest{
				RequestID: "fixed",
				Category:  model.CategoryInboundUserProtection,
				Chain:     []model.VNFType{model.VNFFirewall, model.VNFEncryption, model.VNFSpamFilter},
				Priority:  5,
				CreatedAt: time.Now(),
			}
			encID := f.instances[model.VNFEncryption].ID
			_, err := f.flows.AddRule(model.VNFEncryption, encID, rulePriority(5), "chain-fixed")
			Expect(err).NotTo(HaveOccurred())

			before := map[string]int{}
			for _, inst := range f.instances {
				before[inst.ID] = f.alloc.Reservation(inst.ID)
			}

			_, err = f.alloc.Allocate(ctx, req)
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeNoCapacity))

			// Only the pre-installed conflict rule carries the chain id;
			// nothing from the failed allocation survives.
			Expect(f.flows.RulesForChain("chain-fixed")).To(HaveLen(1))
			// Reservations are back to their pre-call values.
			for _, inst := range f.instances {
				Expect(f.alloc.Reservation(inst.ID)).To(Equal(before[inst.ID]))
			}
		})

		It("rejects the chain when a reservation would exceed the cap", func() {
			f := newFixture(1)
			f.boot(model.VNFFirewall, model.VNFEncryption, model.VNFSpamFilter)

			req, err := f.alloc.BuildRequest(inboundMeta, 5)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.alloc.Allocate(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			req2, err := f.alloc.BuildRequest(inboundMeta, 5)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.alloc.Allocate(ctx, req2)
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeNoCapacity))

			// The failed attempt left the first chain's reservations
			// untouched.
			for _, inst := range f.instances {
				Expect(f.alloc.Reservation(inst.ID)).To(Equal(1))
			}
		})

		It("rejects priorities outside 1..10", func() {
			f := newFixture(0)
			_, err := f.alloc.BuildRequest(inboundMeta, 0)
			Expect(err).To(HaveOccurred())
			_, err = f.alloc.BuildRequest(inboundMeta, 11)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("AllocateBidirectional", func() {
		It("installs forward and reversed chains, or neither", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall, model.VNFSpamFilter)

			req, err := f.alloc.BuildRequest(map[string]string{}, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Direction).To(Equal(model.DirectionBidirectional))

			primary, secondary, err := f.alloc.AllocateBidirectional(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(primary.Request.Chain).To(Equal([]model.VNFType{model.VNFFirewall, model.VNFSpamFilter}))
			Expect(secondary.Request.Chain).To(Equal([]model.VNFType{model.VNFSpamFilter, model.VNFFirewall}))
		})

		It("honors a complement chain override in metadata", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall, model.VNFSpamFilter)

			meta := map[string]string{"complement_chain": "firewall"}
			req, err := f.alloc.BuildRequest(meta, 5)
			Expect(err).NotTo(HaveOccurred())

			_, secondary, err := f.alloc.AllocateBidirectional(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(secondary.Request.Chain).To(Equal([]model.VNFType{model.VNFFirewall}))
		})

		It("tears the primary down when the complement fails", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall, model.VNFSpamFilter)

			// The complement references a type with no instances.
			meta := map[string]string{"complement_chain": "encryption"}
			req, err := f.alloc.BuildRequest(meta, 5)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = f.alloc.AllocateBidirectional(ctx, req)
			Expect(err).To(HaveOccurred())

			for _, rule := range f.flows.ListRules("") {
				Expect(rule.ChainID).To(BeEmpty())
			}
			Expect(f.alloc.Stats().Accepted).To(Equal(int64(1))) // primary counted before teardown
		})
	})

	Describe("Teardown", func() {
		It("releases rules, reservations, and the back-index", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall, model.VNFEncryption, model.VNFSpamFilter)

			req, err := f.alloc.BuildRequest(inboundMeta, 5)
			Expect(err).NotTo(HaveOccurred())
			chain, err := f.alloc.Allocate(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			fwID := chain.Instances[model.VNFFirewall]
			Expect(f.alloc.ChainsOn(fwID)).To(HaveLen(1))
			Expect(f.alloc.HasActiveChains(model.VNFFirewall)).To(BeTrue())

			Expect(f.alloc.Teardown(chain.ChainID)).To(Succeed())

			Expect(f.alloc.ChainsOn(fwID)).To(BeEmpty())
			Expect(f.alloc.HasActiveChains(model.VNFFirewall)).To(BeFalse())
			Expect(f.alloc.Reservation(fwID)).To(Equal(0))
			Expect(f.flows.RulesForChain(chain.ChainID)).To(BeEmpty())
		})
	})

	Describe("Stats and pending counts", func() {
		It("tracks acceptance ratio and priority buckets", func() {
			f := newFixture(0)
			f.boot(model.VNFFirewall, model.VNFEncryption, model.VNFSpamFilter)

			req, _ := f.alloc.BuildRequest(inboundMeta, 9)
			_, err := f.alloc.Allocate(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			missing := model.ChainRequest{
				RequestID: "r2", Category: model.CategoryInboundUserProtection,
				Chain: []model.VNFType{model.VNFMail}, Priority: 2, CreatedAt: time.Now(),
			}
			_, err = f.alloc.Allocate(ctx, missing)
			Expect(err).To(HaveOccurred())

			s := f.alloc.Stats()
			Expect(s.TotalRequests).To(Equal(int64(2)))
			Expect(s.Accepted).To(Equal(int64(1)))
			Expect(s.AcceptanceRatio).To(BeNumerically("~", 50, 1e-9))

			high, medium, low := f.alloc.PendingByPriority()
			Expect(high + medium + low).To(Equal(0))
		})
	})
})
