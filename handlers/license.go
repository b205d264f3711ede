package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meterable/meterable/authz"
	"github.com/meterable/meterable/workers"
)

// LicenseHandler exposes the decision pipeline over the two request-facing
// endpoints: a metering "touch" and an enforcing "verify".
type LicenseHandler struct {
	Pipeline *authz.Pipeline
	Engine   *workers.WritebackEngine
}

// NewLicenseHandler creates a new LicenseHandler
func NewLicenseHandler(pipeline *authz.Pipeline, engine *workers.WritebackEngine) *LicenseHandler {
	return &LicenseHandler{Pipeline: pipeline, Engine: engine}
}

// requestSignals extracts the authorization signals from the headers.
func requestSignals(c *gin.Context) authz.Request {
	return authz.Request{
		AppID:     c.GetHeader("X-App-Id"),
		Publisher: c.GetHeader("X-Publisher"),
		AppName:   c.GetHeader("X-App-Name"),
		Email:     c.GetHeader("X-User-Email"),
	}
}

// advisoryHeaders surfaces the dunning and claim-ambiguity signals.
func advisoryHeaders(c *gin.Context, dc *authz.DecisionContext) {
	if dc.Dunning != nil {
		c.Header("X-Billing-Notice", "dunning")
	}
	if dc.ClaimConflict {
		c.Header("X-Claim-Conflict", "ambiguous")
	}
}

// successBody builds the ok response, attaching the warning when one applies.
func successBody(dc *authz.DecisionContext) gin.H {
	body := gin.H{"status": "ok"}
	if dc.Verdict.Outcome == authz.OutcomeWarning {
		warning := gin.H{"code": string(dc.Verdict.Code)}
		for k, v := range dc.Verdict.Details {
			warning[k] = v
		}
		body["warning"] = warning
	}
	return body
}

// denialBody builds the structured error body for a denial.
func denialBody(code authz.Code, details map[string]interface{}) gin.H {
	errBody := gin.H{"code": string(code)}
	for k, v := range details {
		errBody[k] = v
	}
	return gin.H{"error": errBody}
}

// Touch handles POST /v1/licenses/touch: meter usage without blocking the
// caller. Denials are recorded in the verdict and gate the writeback, but
// the response stays a success.
func (h *LicenseHandler) Touch(c *gin.Context) {
	dc, err := h.Pipeline.Run(c.Request.Context(), requestSignals(c),
		authz.CapBilling|authz.CapLogUsage|authz.CapLogInvocation)
	if err != nil {
		// Touch never requested enforcement, so a typed denial cannot
		// happen here; treat anything else as already failed open.
		dc = &authz.DecisionContext{Verdict: authz.Allowed()}
	}

	advisoryHeaders(c, dc)
	c.JSON(http.StatusOK, successBody(dc))

	// Response is finalized; persist the accumulated decisions without
	// making the caller wait.
	h.Engine.Enqueue(dc)
}

// Verify handles POST /v1/licenses/verify: the enforcing variant.
func (h *LicenseHandler) Verify(c *gin.Context) {
	dc, err := h.Pipeline.Run(c.Request.Context(), requestSignals(c),
		authz.CapBilling|authz.CapEnforce)
	if err != nil {
		if denied, ok := authz.IsDenied(err); ok {
			advisoryHeaders(c, dc)
			c.JSON(http.StatusForbidden, denialBody(denied.Code, denied.Details))
			h.Engine.Enqueue(dc)
			return
		}
		// Unreachable by design: the pipeline fails open on anything
		// that is not a denial.
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	advisoryHeaders(c, dc)
	c.JSON(http.StatusOK, successBody(dc))
	h.Engine.Enqueue(dc)
}
