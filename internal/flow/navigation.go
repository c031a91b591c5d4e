package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// GoBack pops the last answered input-waiting node and redisplays it. Variables are left alone,
// so the earlier answer stays bound until the node is answered again. With an empty history, or
// outside a flow, the session is reset and the menu is shown. At a DELAY the pending resume is
// dropped and the node answered just before the delay is redisplayed.
func (x *Executor) GoBack(ctx context.Context, flow *models.FlowDefinition, s *models.SessionState) Outcome {
	if flow == nil || !s.InFlow() {
		return x.Terminate(ctx, s)
	}
	if s.Delaying() {
		origin := s.DelayOrigin
		x.cancelDelay(ctx, s)
		if _, ok := flow.Node(origin); ok {
			slog.Debug("Executor.GoBack: leaving delay", "sessionID", s.SessionID, "from", s.CurrentNodeID, "to", origin)
			return x.Run(ctx, flow, s, origin, ModeRedisplay, "")
		}
	}
	prev, ok := s.PopHistory()
	if !ok {
		slog.Debug("Executor.GoBack: history empty", "sessionID", s.SessionID, "flowID", flow.ID)
		return x.Terminate(ctx, s)
	}
	slog.Debug("Executor.GoBack", "sessionID", s.SessionID, "from", s.CurrentNodeID, "to", prev)
	return x.Run(ctx, flow, s, prev, ModeRedisplay, "")
}
