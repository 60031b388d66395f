// ============================================================================
// Metrics 監控模組
// 職責：收集並暴露 Prometheus 指標
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - moly_events_appended_total: 成功追加到動作日誌的事件總數
//      - moly_events_dropped_total: 寫入失敗被丟棄的事件總數
//      - moly_replay_lines_skipped_total: 重放時跳過的格式錯誤行數
//      - moly_screen_transitions_total: 螢幕切換總數
//      - moly_countdown_snapshots_total: 已落盤的倒數快照總數
//
//   2. 狀態指標 (Gauge) - 瞬時值：
//      - moly_recovery_time_seconds: 最近一次恢復分析耗時
//      - moly_countdown_remaining_seconds: 目前倒數的剩餘秒數
//
//   監控用途:
//   - events_dropped_total 增長 → 磁碟寫入異常，資料正在流失
//   - replay_lines_skipped_total 突增 → 日誌檔疑似損毀
//   - recovery_time_seconds 增長 → 檢查動作日誌大小
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//   格式: OpenMetrics / Prometheus 文本格式
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
//
// 同時實作 eventlog.Observer，掛上動作日誌即可自動計數。
type Collector struct {
	registry *prometheus.Registry

	eventsAppended     prometheus.Counter
	eventsDropped      prometheus.Counter
	replayLinesSkipped prometheus.Counter
	screenTransitions  prometheus.Counter
	countdownSnapshots prometheus.Counter

	recoveryTime       prometheus.Gauge
	countdownRemaining prometheus.Gauge
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moly_events_appended_total",
			Help: "Total number of events appended to the actions log",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moly_events_dropped_total",
			Help: "Total number of events dropped due to write failures",
		}),
		replayLinesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moly_replay_lines_skipped_total",
			Help: "Total number of malformed log lines skipped during replay",
		}),
		screenTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moly_screen_transitions_total",
			Help: "Total number of screen transitions",
		}),
		countdownSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moly_countdown_snapshots_total",
			Help: "Total number of countdown state snapshots persisted",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moly_recovery_time_seconds",
			Help: "Time taken by the last crash recovery scan in seconds",
		}),
		countdownRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moly_countdown_remaining_seconds",
			Help: "Remaining seconds of the currently running countdown",
		}),
	}

	// 註冊所有指標
	c.registry.MustRegister(c.eventsAppended)
	c.registry.MustRegister(c.eventsDropped)
	c.registry.MustRegister(c.replayLinesSkipped)
	c.registry.MustRegister(c.screenTransitions)
	c.registry.MustRegister(c.countdownSnapshots)
	c.registry.MustRegister(c.recoveryTime)
	c.registry.MustRegister(c.countdownRemaining)

	return c
}

// EventAppended 記錄一筆事件成功追加（eventlog.Observer）
func (c *Collector) EventAppended() {
	c.eventsAppended.Inc()
}

// EventDropped 記錄一筆事件被丟棄（eventlog.Observer）
func (c *Collector) EventDropped() {
	c.eventsDropped.Inc()
}

// RecordSkippedLines 記錄重放時跳過的行數
func (c *Collector) RecordSkippedLines(n int) {
	c.replayLinesSkipped.Add(float64(n))
}

// RecordTransition 記錄一次螢幕切換
func (c *Collector) RecordTransition() {
	c.screenTransitions.Inc()
}

// RecordCountdownSnapshot 記錄一筆倒數快照落盤
func (c *Collector) RecordCountdownSnapshot() {
	c.countdownSnapshots.Inc()
}

// SetRecoveryTime 設置恢復分析耗時
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// SetCountdownRemaining 更新目前倒數剩餘秒數
func (c *Collector) SetCountdownRemaining(seconds float64) {
	c.countdownRemaining.Set(seconds)
}

// Handler 回傳 /metrics 的 HTTP handler（測試用）
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
