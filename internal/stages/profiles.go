// internal/stages/profiles.go
package stages

import "loan-orchestrator/internal/models"

const commonRules = `Respond with a single JSON object that satisfies the output schema and nothing else.
Refer to the applicant only by applicant_id. Never include national identifiers in tool calls.
Always include a concise "rationale" explaining your conclusion.`

var instructionProfiles = map[models.StageID]string{
	models.StageIntake: `You are the intake reviewer for a consumer loan.
Summarise the application in "applicant_summary" and choose "routing_decision":
FAST_TRACK only when the request is small relative to declared income and nothing looks unusual,
otherwise STANDARD.
` + commonRules,

	models.StageCredit: `You are the credit analyst. Pull the applicant's credit report through the
verification capability, use calculations where useful, and report "credit_score" and "credit_tier".
` + commonRules,

	models.StageIncome: `You are the income verifier. Compare declared income with documents and
employment verification, compute debt-to-income, and report "verified_income", "debt_to_income"
and "income_stable". List any "discrepancies".
` + commonRules,

	models.StageRisk: `You are the risk officer. Weigh every prior assessment and produce a
"recommendation" (approve, deny, conditional_approve or refer) with a "risk_score" from 0 to 100.
Give "conditions" when the recommendation is conditional_approve.
` + commonRules,
}

func instructionsFor(stage models.StageID) string {
	return instructionProfiles[stage]
}
