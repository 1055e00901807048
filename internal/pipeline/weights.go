package pipeline

import "loan-orchestrator/internal/models"

// Progress is the UI completion percentage once stage has completed on the
// given path.
func Progress(stage models.StageID, path models.RoutingHint) int {
	switch stage {
	case models.StageIntake:
		return 20
	case models.StageCredit:
		if path == models.RoutingFastTrack {
			return 60
		}
		return 40
	case models.StageIncome:
		return 80
	case models.StageRisk:
		return 100
	default:
		return 0
	}
}
