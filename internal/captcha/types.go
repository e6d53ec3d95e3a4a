// Package captcha holds the data model and wire types shared by the captcha
// client and the reference server.
package captcha

// RandomModule is the pseudo-module that lets the server pick any module.
const RandomModule = "random"

// Default render size used when a caller does not ask for one.
const (
	DefaultWidth  = 800
	DefaultHeight = 600
)

// Point is a click in image pixel space, origin top-left.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PointMark is a point plus the client-side identifier used for numbering
// and removal. The identifier never leaves the client.
type PointMark struct {
	X       float64
	Y       float64
	LocalID int
}

func (m PointMark) Point() Point {
	return Point{X: m.X, Y: m.Y}
}

// Challenge is one received puzzle. It is immutable once received.
type Challenge struct {
	Token  string
	Prompt string
	// Image is the Base64 encoded PNG exactly as delivered.
	Image string
	// Module is what the caller asked for (a slug or RandomModule); Slug is the
	// module the server actually used.
	Module string
	Slug   string
	Width  int
	Height int
}

// Contains reports whether (x, y) lies inside the declared render area.
func (c *Challenge) Contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(c.Width) && y < float64(c.Height)
}

// GenerateResponse is returned by the random, generate and generate_custom endpoints.
type GenerateResponse struct {
	Slug      string `json:"slug"`
	ImgBase64 string `json:"img_base64"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Prompt    string `json:"prompt"`
	Token     string `json:"token"`
}

// Challenge converts the wire response into a Challenge for module.
func (r *GenerateResponse) Challenge(module string) *Challenge {
	return &Challenge{
		Token:  r.Token,
		Prompt: r.Prompt,
		Image:  r.ImgBase64,
		Module: module,
		Slug:   r.Slug,
		Width:  r.Width,
		Height: r.Height,
	}
}

// VerifyRequest is the plaintext sealed inside the verify request envelope.
type VerifyRequest struct {
	Token     string  `json:"token"`
	UserInput []Point `json:"user_input"`
}

// VerifyResponse is the plaintext sealed inside the verify response envelope.
// Success is a pointer so that a missing field can be told apart from false.
type VerifyResponse struct {
	Success *bool   `json:"success,omitempty"`
	Message *string `json:"message,omitempty"`
}

func NewVerifyResponse(success bool, message string) VerifyResponse {
	return VerifyResponse{Success: &success, Message: &message}
}

// Passed treats an absent success field as failure.
func (r VerifyResponse) Passed() bool {
	return r.Success != nil && *r.Success
}

// MessageOr returns the message or def when none was sent.
func (r VerifyResponse) MessageOr(def string) string {
	if r.Message == nil || *r.Message == "" {
		return def
	}
	return *r.Message
}

// VerificationOutcome is the terminal result of one verification attempt.
type VerificationOutcome struct {
	Success bool
	Message string
	// SystemError is set when the request or decryption failed, as opposed to
	// a negative verdict.
	SystemError bool
}

type CatalogItem struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// CatalogResponse is the body of the catalog endpoint.
type CatalogResponse struct {
	Items []CatalogItem `json:"items"`
	Total int           `json:"total"`
}

// CatalogPage is one page of a module's catalog.
type CatalogPage struct {
	Module string
	Items  []CatalogItem
	Total  int
	Page   int
	Limit  int
}

func (p *CatalogPage) HasPrev() bool {
	return p.Page > 1
}

func (p *CatalogPage) HasNext() bool {
	return p.Page*p.Limit < p.Total
}

// Item returns the item with the given id on this page.
func (p *CatalogPage) Item(id int64) (CatalogItem, bool) {
	for _, it := range p.Items {
		if it.ID == id {
			return it, true
		}
	}
	return CatalogItem{}, false
}
