package flows

// Deps groups flow dependency sets. The root engine builds this once and
// delegates each request method to the matching flow.
type Deps struct {
	Verify   VerifyDeps
	Issue    IssueDeps
	Refresh  RefreshDeps
	Sessions SessionDeps
	Validate ValidateDeps
}
