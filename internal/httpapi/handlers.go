package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pdvledger/backend/internal/domain"
)

func (a *API) handleQuote(c *gin.Context) {
	var req domain.QuoteRequest
	if !a.bind(c, &req) {
		return
	}
	totals, err := a.service.Quote(req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (a *API) handleSettle(c *gin.Context) {
	var req domain.SettleRequest
	if !a.bind(c, &req) {
		return
	}
	resp, err := a.service.Settle(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleReassignSale(c *gin.Context) {
	var req domain.ReassignSaleRequest
	if !a.bind(c, &req) {
		return
	}
	tx, err := a.service.ReassignSale(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (a *API) handleListSessions(c *gin.Context) {
	sessions, err := a.service.ListSessions(c.Request.Context(), c.Query("store_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (a *API) handleSuggestOpening(c *gin.Context) {
	storeID := c.Query("store_id")
	value, err := a.service.SuggestOpening(c.Request.Context(), storeID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if strings.TrimSpace(storeID) == "" {
		storeID = a.service.DefaultStoreID()
	}
	c.JSON(http.StatusOK, gin.H{"store_id": storeID, "opening_value": value})
}

func (a *API) handleOpenSession(c *gin.Context) {
	var req domain.OpenSessionRequest
	if !a.bind(c, &req) {
		return
	}
	if req.ManagerPIN != "" && !a.pinLimiter.Allow(clientKey(c.Request)) {
		a.abort(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many manager PIN attempts")
		return
	}
	session, err := a.service.Open(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (a *API) handlePreviewClose(c *gin.Context) {
	preview, err := a.service.PreviewClose(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

type closeSessionBody struct {
	OperatorID string `json:"operator_id"`
}

func (a *API) handleCloseSession(c *gin.Context) {
	var body closeSessionBody
	if c.Request.ContentLength != 0 && !a.bind(c, &body) {
		return
	}
	resp, err := a.service.Close(c.Request.Context(), domain.CloseSessionRequest{
		SessionID:  c.Param("id"),
		OperatorID: body.OperatorID,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListEntries(c *gin.Context) {
	entries, err := a.service.ListEntries(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *API) handleAddEntry(c *gin.Context) {
	var req domain.CashEntryRequest
	if !a.bind(c, &req) {
		return
	}
	req.SessionID = c.Param("id")
	entry, err := a.service.AddEntry(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

func (a *API) handleRecordExpense(c *gin.Context) {
	var req domain.ExpenseRequest
	if !a.bind(c, &req) {
		return
	}
	tx, err := a.service.RecordExpense(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

func (a *API) handleMarkPaid(c *gin.Context) {
	tx, err := a.service.MarkPaid(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (a *API) handleDrawerBalance(c *gin.Context) {
	preview, err := a.service.DrawerBalance(c.Request.Context(), c.Query("store_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (a *API) handleCumulativeBalance(c *gin.Context) {
	balance, err := a.service.CumulativeBalance(c.Request.Context(), c.Query("store_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (a *API) handleStaleSessions(c *gin.Context) {
	stale, err := a.service.StaleSessions(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": stale})
}

// handleSalesReport accepts from/to as dates in the business timezone or as
// RFC 3339 instants; to is exclusive.
func (a *API) handleSalesReport(c *gin.Context) {
	from, err := a.parseTime(c.Query("from"))
	if err != nil {
		a.abort(c, http.StatusBadRequest, "BAD_REQUEST", "invalid from: "+err.Error())
		return
	}
	to, err := a.parseTime(c.Query("to"))
	if err != nil {
		a.abort(c, http.StatusBadRequest, "BAD_REQUEST", "invalid to: "+err.Error())
		return
	}
	report, err := a.service.SalesReport(c.Request.Context(), c.Query("store_id"), from, to, c.Query("group_by"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, a.service.Location()); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

type labelBody struct {
	Label string `json:"label"`
}

type scanBody struct {
	Code string `json:"code"`
}

func (a *API) handleCountSession(c *gin.Context) {
	sess, err := a.service.CountSession(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) handleStartCount(c *gin.Context) {
	var body labelBody
	if c.Request.ContentLength != 0 && !a.bind(c, &body) {
		return
	}
	sess, err := a.service.StartCount(c.Request.Context(), body.Label)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) handleResetCount(c *gin.Context) {
	if err := a.service.ResetCount(c.Request.Context()); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleScan(c *gin.Context) {
	var body scanBody
	if !a.bind(c, &body) {
		return
	}
	sess, err := a.service.Scan(c.Request.Context(), body.Code)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) handleLabelBatch(c *gin.Context) {
	var body labelBody
	if !a.bind(c, &body) {
		return
	}
	sess, err := a.service.LabelBatch(c.Request.Context(), body.Label)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) handleCommitBatch(c *gin.Context) {
	var body labelBody
	if c.Request.ContentLength != 0 && !a.bind(c, &body) {
		return
	}
	sess, err := a.service.CommitBatch(c.Request.Context(), body.Label)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (a *API) handleDeleteBatch(c *gin.Context) {
	sess, err := a.service.DeleteBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) handleConsolidated(c *gin.Context) {
	counts, err := a.service.Consolidated(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": counts})
}

func (a *API) handleCompare(c *gin.Context) {
	diffs, err := a.service.Compare(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diffs": diffs})
}

func (a *API) handleFinalize(c *gin.Context) {
	instructions, err := a.service.Finalize(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stock_instructions": instructions})
}
