package service

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	IDToken       string `json:"id_token,omitempty"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int64  `json:"expires_in"`
	Scope         string `json:"scope,omitempty"`
	ArrangementID string `json:"cdr_arrangement_id,omitempty"`
}

// TokenRequest carries the token endpoint form after client authentication.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// AuthorizeInput is posted by the consent UI once the end user decided.
type AuthorizeInput struct {
	RequestURI string            `json:"request_uri"`
	ClientID   string            `json:"client_id"`
	Params     map[string]string `json:"params"`
	Subject    string            `json:"subject"`
	AccountIDs []string          `json:"account_ids"`
	Approved   bool              `json:"approved"`
}

// AuthorizeResult tells the consent UI where to send the user agent.
type AuthorizeResult struct {
	RedirectURI string `json:"redirect_uri"`
}
