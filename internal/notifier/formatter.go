package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"GaslessRelayer/internal/config"
	"GaslessRelayer/internal/model"
)

// tokens renders a 6-decimal smallest-unit amount as whole tokens.
func tokens(v int64) string {
	return decimal.New(v, -model.UnitDecimals).String()
}

// FormatFallbackUsed reports a relay funded from the standing reserve.
func FormatFallbackUsed(requestID, userID string, nativeSun int64) string {
	return fmt.Sprintf("⚠️ <b>Fallback reserve used</b>\n\nrequest: %s\nuser: %s\nnative covered: %s TRX\n",
		requestID, userID, tokens(nativeSun))
}

// FormatSwapExhausted reports a relay rejected because no liquidity was available.
func FormatSwapExhausted(requestID, userID string, attempts int, nativeSun int64, cause error) string {
	return fmt.Sprintf("❌ <b>Swap exhausted</b>\n\nrequest: %s\nuser: %s\nattempts: %d\nnative needed: %s TRX\nlast error: %v\n",
		requestID, userID, attempts, tokens(nativeSun), cause)
}

// FormatCompensation reports a swap whose transaction the network rejected.
func FormatCompensation(c *model.Compensation) string {
	return fmt.Sprintf("🧾 <b>Compensation pending</b>\n\nid: %s\nrequest: %s\nuser: %s\nstable in: %s USDT\nnative: %s TRX\nbroadcast code: %s\n",
		c.ID, c.RequestID, c.UserID, tokens(c.StableIn), tokens(c.NativeNeeded), c.BroadcastCode)
}

// FormatUnsavedCompensation reports a compensation the recorder could not store.
// The record exists only in this message and the log.
func FormatUnsavedCompensation(c *model.Compensation, err error) string {
	return FormatCompensation(c) + fmt.Sprintf("\n⚠️ <b>not persisted</b>: %v\n", err)
}

// FormatPersistenceFailure reports a broadcast transaction whose usage could not be saved.
func FormatPersistenceFailure(requestID, txID string, err error) string {
	return fmt.Sprintf("🔥 <b>Ledger save failed after broadcast</b>\n\nrequest: %s\ntxid: %s\nerror: %v\n",
		requestID, txID, err)
}

// FormatPendingCompensations summarizes unresolved compensations.
func FormatPendingCompensations(pending []model.Compensation, now time.Time) string {
	if len(pending) == 0 {
		return "✅ No pending compensations"
	}
	var stable int64
	for _, c := range pending {
		stable += c.StableIn
	}
	oldest := pending[0]
	var b strings.Builder
	b.WriteString(fmt.Sprintf("🧾 <b>%d pending compensation(s)</b>\n\n", len(pending)))
	b.WriteString(fmt.Sprintf("stable owed: %s USDT\n", tokens(stable)))
	b.WriteString(fmt.Sprintf("oldest: %s (%s, %s ago)\n",
		oldest.ID, oldest.UserID, now.Sub(oldest.CreatedAt).Truncate(time.Minute)))
	return b.String()
}

// FormatDailySummary formats the ledger totals against the configured limits.
func FormatDailySummary(state model.LedgerState, limits config.Limits, now time.Time) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 <b>Relayer daily summary</b> | %s\n\n", now.Format("2006-01-02")))
	b.WriteString(fmt.Sprintf("TRX sponsored: %s / %s\n", tokens(state.Totals.Native), tokens(limits.DailyNative)))
	b.WriteString(fmt.Sprintf("USDT charged: %s / %s\n", tokens(state.Totals.Stable), tokens(limits.DailyStable)))
	b.WriteString(fmt.Sprintf("active users: %d\n", len(state.PerUser)))
	return b.String()
}

// FormatUserUsage formats one user's bucket.
func FormatUserUsage(userID string, u model.Usage, limits config.Limits) string {
	return fmt.Sprintf("👤 %s\nTRX: %s\nUSDT: %s / %s\n",
		userID, tokens(u.Native), tokens(u.Stable), tokens(limits.PerUserStable))
}
