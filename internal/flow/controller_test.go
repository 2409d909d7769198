package flow

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

func TestFlow(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Flow Controller Suite")
}

// fakePool is a minimal instance table for lookup injection.
type fakePool struct {
	instances map[string]model.Instance
}

func (p *fakePool) lookup(id string) (model.Instance, bool) {
	inst, ok := p.instances[id]
	return inst, ok
}

func (p *fakePool) add(id string, t model.VNFType, state model.InstanceState) {
	p.instances[id] = model.Instance{ID: id, Type: t, State: state}
}

var _ = Describe("Controller", func() {
	var (
		pool *fakePool
		ctl  *Controller
	)

	BeforeEach(func() {
		pool = &fakePool{instances: make(map[string]model.Instance)}
		ctl = NewController(pool.lookup, zap.NewNop())
	})

	Describe("AddRule", func() {
		It("installs a rule for a routable instance", func() {
			pool.add("i1", model.VNFFirewall, model.StateActive)

			rule, err := ctl.AddRule(model.VNFFirewall, "i1", 100, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(rule.Status).To(Equal(model.FlowActive))
			Expect(ctl.ListRules(model.VNFFirewall)).To(HaveLen(1))
		})

		It("conflicts on a duplicate (instance, priority, chain) rule", func() {
			pool.add("i1", model.VNFFirewall, model.StateActive)

			_, err := ctl.AddRule(model.VNFFirewall, "i1", 100, "c1")
			Expect(err).NotTo(HaveOccurred())

			_, err = ctl.AddRule(model.VNFFirewall, "i1", 100, "c1")
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeConflict))
		})

		It("refuses rules for removed instances", func() {
			pool.add("gone", model.VNFFirewall, model.StateRemoved)

			_, err := ctl.AddRule(model.VNFFirewall, "gone", 100, "")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RemoveRule", func() {
		It("refuses to remove the last active rule of a chained type", func() {
			pool.add("i1", model.VNFSpamFilter, model.StateActive)
			rule, err := ctl.AddRule(model.VNFSpamFilter, "i1", 100, "")
			Expect(err).NotTo(HaveOccurred())

			ctl.OnChainRef(func(t model.VNFType) bool { return t == model.VNFSpamFilter })

			err = ctl.RemoveRule(rule.FlowID)
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeInvalidAction))
			Expect(ctl.ListRules(model.VNFSpamFilter)).To(HaveLen(1))
		})

		It("reports not-found for unknown and double removals", func() {
			pool.add("i1", model.VNFFirewall, model.StateActive)
			rule, _ := ctl.AddRule(model.VNFFirewall, "i1", 100, "")

			Expect(ctl.RemoveRule(rule.FlowID)).To(Succeed())
			Expect(ctl.RemoveRule(rule.FlowID)).NotTo(Succeed())
			Expect(ctl.RemoveRule("missing")).NotTo(Succeed())
		})
	})

	Describe("NextInstance", func() {
		It("round-robins across active instances", func() {
			pool.add("i1", model.VNFFirewall, model.StateActive)
			pool.add("i2", model.VNFFirewall, model.StateActive)
			_, err := ctl.AddRule(model.VNFFirewall, "i1", 100, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = ctl.AddRule(model.VNFFirewall, "i2", 100, "")
			Expect(err).NotTo(HaveOccurred())

			first, err := ctl.NextInstance(model.VNFFirewall)
			Expect(err).NotTo(HaveOccurred())
			second, err := ctl.NextInstance(model.VNFFirewall)
			Expect(err).NotTo(HaveOccurred())
			third, err := ctl.NextInstance(model.VNFFirewall)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.ID).NotTo(Equal(second.ID))
			Expect(third.ID).To(Equal(first.ID))
		})

		It("skips starting and draining instances", func() {
			pool.add("starting", model.VNFFirewall, model.StateStarting)
			pool.add("draining", model.VNFFirewall, model.StateDraining)
			pool.add("active", model.VNFFirewall, model.StateActive)
			for _, id := range []string{"starting", "draining", "active"} {
				_, err := ctl.AddRule(model.VNFFirewall, id, 100, "")
				Expect(err).NotTo(HaveOccurred())
			}

			for i := 0; i < 5; i++ {
				inst, err := ctl.NextInstance(model.VNFFirewall)
				Expect(err).NotTo(HaveOccurred())
				Expect(inst.ID).To(Equal("active"))
			}
		})

		It("returns no-capacity when nothing is healthy", func() {
			_, err := ctl.NextInstance(model.VNFEncryption)
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeNoCapacity))
		})
	})

	Describe("rolling update discipline", func() {
		It("keeps an active target through add-new-then-remove-old", func() {
			pool.add("old", model.VNFFirewall, model.StateActive)
			oldRule, err := ctl.AddRule(model.VNFFirewall, "old", 100, "")
			Expect(err).NotTo(HaveOccurred())

			// New instance's rule goes in first.
			pool.add("new", model.VNFFirewall, model.StateActive)
			_, err = ctl.AddRule(model.VNFFirewall, "new", 100, "")
			Expect(err).NotTo(HaveOccurred())

			inst, err := ctl.NextInstance(model.VNFFirewall)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.State).To(Equal(model.StateActive))

			// Only then is the old rule removed.
			Expect(ctl.RemoveRule(oldRule.FlowID)).To(Succeed())

			inst, err = ctl.NextInstance(model.VNFFirewall)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.ID).To(Equal("new"))
		})
	})

	Describe("Verify", func() {
		It("accepts rules over active and draining instances", func() {
			pool.add("i1", model.VNFFirewall, model.StateActive)
			_, err := ctl.AddRule(model.VNFFirewall, "i1", 100, "")
			Expect(err).NotTo(HaveOccurred())
			pool.add("i1", model.VNFFirewall, model.StateDraining)

			Expect(ctl.Verify()).To(Succeed())
		})

		It("flags rules referencing removed instances as fatal", func() {
			pool.add("i1", model.VNFFirewall, model.StateActive)
			_, err := ctl.AddRule(model.VNFFirewall, "i1", 100, "")
			Expect(err).NotTo(HaveOccurred())
			pool.add("i1", model.VNFFirewall, model.StateRemoved)

			err = ctl.Verify()
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeFatal))
		})
	})
})
