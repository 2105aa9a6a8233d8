package api

const (
	// PingEndpoint is the endpoint for checking the API status
	PingEndpoint = "/ping"
	// BallotsEndpoint is the endpoint for submitting a canonical-encoded ballot
	BallotsEndpoint = "/ballots"
	// BlockEndpoint is the endpoint to get a finalized block by height
	HeightURLParam = "height"
	BlockEndpoint  = "/blocks/{" + HeightURLParam + "}"
	// ChainTipEndpoint is the endpoint to get the current chain tip
	ChainTipEndpoint = "/chain/tip"
	// ElectionsEndpoint is the endpoint for registering a new election
	ElectionsEndpoint = "/elections"
	// ElectionEndpoint is the endpoint to get the election info
	ElectionURLParam = "electionId"
	ElectionEndpoint = "/elections/{" + ElectionURLParam + "}"
	// ElectionCloseEndpoint is the endpoint for closing an election
	ElectionCloseEndpoint = "/elections/{" + ElectionURLParam + "}/close"
	// ElectionTallyEndpoint is the endpoint to get the tally snapshot
	ElectionTallyEndpoint = "/elections/{" + ElectionURLParam + "}/tally"
	// CensusesEndpoint is the endpoint for creating a new census
	CensusesEndpoint = "/censuses"
	// CensusParticipantsEndpoint is the endpoint for adding voters to a census
	CensusURLParam             = "censusId"
	CensusParticipantsEndpoint = "/censuses/{" + CensusURLParam + "}/participants"
	// CensusRootEndpoint is the endpoint to get the census merkle root
	CensusRootEndpoint = "/censuses/{" + CensusURLParam + "}/root"
	// CensusProofEndpoint is the endpoint to get an inclusion proof for a voter
	CensusProofEndpoint = "/censuses/{" + CensusURLParam + "}/proof"
)
