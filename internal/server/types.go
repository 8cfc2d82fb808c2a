package server

// Request and response bodies are explicit per endpoint; unknown shapes are
// rejected at the boundary instead of flowing through as untyped maps.

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

type attestVerifyRequest struct {
	KeyID          string `json:"keyID" binding:"required"`
	Attestation    string `json:"attestation" binding:"required"`
	ClientDataHash string `json:"clientDataHash" binding:"required"`
}

type attestVerifyResponse struct {
	Success bool `json:"success"`
}

type creditsResponse struct {
	Credits            int64           `json:"credits"`
	SubscriptionActive bool            `json:"subscription_active"`
	Recent             []generationRef `json:"recent,omitempty"`
}

type generationRef struct {
	ID          string `json:"id"`
	Model       string `json:"model"`
	CreditsUsed int64  `json:"credits_used"`
	Timestamp   int64  `json:"timestamp"`
}

type generateRequest struct {
	Prompt      string `json:"prompt" binding:"required"`
	InputImage  string `json:"inputImage,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type generateResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

type pollResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	SampleURL string `json:"sample_url,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
