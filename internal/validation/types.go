package validation

// CreateSessionRequest is the payload for POST /sessions
type CreateSessionRequest struct {
	SessionID   string `json:"session_id,omitempty" validate:"omitempty,max=64,printascii,excludesall=#/"` // optional client-chosen id
	MachineID   string `json:"machine_id" validate:"required,max=128"`
	ProductType string `json:"product_type,omitempty" validate:"omitempty,oneof=default diy"`
}

// SessionActionRequest is the payload for POST /sessions/:id/actions
type SessionActionRequest struct {
	Action     string `json:"action" validate:"required,oneof=submit_design queue_print start_print complete_print"`
	ImageURL   string `json:"image_url,omitempty" validate:"omitempty,url,max=2048"`
	ImageSize  int64  `json:"image_size,omitempty" validate:"gte=0"`
	DesignID   string `json:"design_id,omitempty" validate:"omitempty,max=128"`
	PhoneModel string `json:"phone_model,omitempty" validate:"omitempty,max=128"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	SessionID  string  `json:"session_id" validate:"required"`
	ProductID  string  `json:"product_id" validate:"required"`
	PayType    string  `json:"pay_type" validate:"required,oneof=nayax ict vpos"`
	PhoneModel string  `json:"phone_model,omitempty" validate:"omitempty,max=128"`
	ImageURL   string  `json:"image_url,omitempty" validate:"omitempty,url"` // defaults to the session's design
	Amount     float64 `json:"amount" validate:"gte=0"`
	WidthMM    float64 `json:"width_mm,omitempty" validate:"gte=0,lte=500"`
	HeightMM   float64 `json:"height_mm,omitempty" validate:"gte=0,lte=500"`
}

// PresignRequest is the payload for POST /uploads/presign
type PresignRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Extension string `json:"extension" validate:"required,max=8"`
}

// CleanupRequest is the payload for POST /admin/cleanup
type CleanupRequest struct {
	Keys []string `json:"keys" validate:"required,min=1,max=1000,dive,required"`
}
