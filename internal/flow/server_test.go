package flow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

var _ = Describe("Server", func() {
	var (
		pool   *fakePool
		ctl    *Controller
		router *gin.Engine
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		pool = &fakePool{instances: make(map[string]model.Instance)}
		ctl = NewController(pool.lookup, zap.NewNop())
		srv := NewServer(ctl, func(t model.VNFType) []model.Instance {
			var out []model.Instance
			for _, inst := range pool.instances {
				if inst.Type == t {
					out = append(out, inst)
				}
			}
			return out
		}, zap.NewNop())
		router = srv.Router()
	})

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	It("answers the health probe", func() {
		rec := do(http.MethodGet, "/health", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("healthy"))
	})

	It("creates, lists, and deletes flow rules over HTTP", func() {
		pool.add("i1", model.VNFFirewall, model.StateActive)

		rec := do(http.MethodPost, "/flows", map[string]any{
			"vnf_type": "firewall", "instance_id": "i1", "priority": 100,
		})
		Expect(rec.Code).To(Equal(http.StatusCreated))

		var rule model.FlowRule
		Expect(json.Unmarshal(rec.Body.Bytes(), &rule)).To(Succeed())
		Expect(rule.FlowID).NotTo(BeEmpty())

		rec = do(http.MethodGet, "/flows", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var rules []model.FlowRule
		Expect(json.Unmarshal(rec.Body.Bytes(), &rules)).To(Succeed())
		Expect(rules).To(HaveLen(1))

		Expect(do(http.MethodDelete, "/flows/"+rule.FlowID, nil).Code).To(Equal(http.StatusNoContent))
		Expect(do(http.MethodDelete, "/flows/"+rule.FlowID, nil).Code).To(Equal(http.StatusNotFound))
	})

	It("returns 409 on a conflicting rule", func() {
		pool.add("i1", model.VNFFirewall, model.StateActive)
		body := map[string]any{"vnf_type": "firewall", "instance_id": "i1", "priority": 100}

		Expect(do(http.MethodPost, "/flows", body).Code).To(Equal(http.StatusCreated))
		Expect(do(http.MethodPost, "/flows", body).Code).To(Equal(http.StatusConflict))
	})

	It("rejects malformed rule bodies", func() {
		rec := do(http.MethodPost, "/flows", map[string]any{"priority": 1})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("lists instances per type", func() {
		pool.add("i1", model.VNFFirewall, model.StateActive)
		rec := do(http.MethodGet, "/vnf/firewall/instances", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		var insts []model.Instance
		Expect(json.Unmarshal(rec.Body.Bytes(), &insts)).To(Succeed())
		Expect(insts).To(HaveLen(1))
	})

	It("load-balances or reports 503 when nothing is healthy", func() {
		Expect(do(http.MethodGet, "/load-balance/firewall", nil).Code).To(Equal(http.StatusServiceUnavailable))

		pool.add("i1", model.VNFFirewall, model.StateActive)
		_, err := ctl.AddRule(model.VNFFirewall, "i1", 100, "")
		Expect(err).NotTo(HaveOccurred())

		rec := do(http.MethodGet, "/load-balance/firewall", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("i1"))
	})
})
