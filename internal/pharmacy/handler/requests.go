package handler

import (
	"github.com/medflow/medflow-pharmacy/internal/pharmacy/service"
	"github.com/shopspring/decimal"
)

// AddBatchRequest is the body of POST /batches
type AddBatchRequest struct {
	ProductID       string          `json:"product_id" validate:"required,uuid"`
	BatchNumber     string          `json:"batch_number" validate:"required,max=100"`
	ManufactureDate string          `json:"manufacture_date" validate:"required,datetime=2006-01-02"`
	ExpiryDate      string          `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	Quantity        int             `json:"quantity"`
	BuyingPrice     decimal.Decimal `json:"buying_price"`
	SellingPrice    decimal.Decimal `json:"selling_price"`
	MinStock        *int            `json:"min_stock"`
	ReorderPoint    *int            `json:"reorder_point"`
	StorageLocation *string         `json:"storage_location" validate:"omitempty,max=100"`
	SupplierName    *string         `json:"supplier_name" validate:"omitempty,max=255"`
	InvoiceNumber   *string         `json:"invoice_number" validate:"omitempty,max=100"`
	ReceivedDate    *string         `json:"received_date" validate:"omitempty,datetime=2006-01-02"`
	ReceivedBy      *string         `json:"received_by" validate:"omitempty,max=255"`
	Notes           *string         `json:"notes"`
}

func (req *AddBatchRequest) toService() (service.AddBatchRequest, error) {
	out := service.AddBatchRequest{
		ProductID:       req.ProductID,
		BatchNumber:     req.BatchNumber,
		Quantity:        req.Quantity,
		BuyingPrice:     req.BuyingPrice,
		SellingPrice:    req.SellingPrice,
		MinStock:        req.MinStock,
		ReorderPoint:    req.ReorderPoint,
		StorageLocation: req.StorageLocation,
		SupplierName:    req.SupplierName,
		InvoiceNumber:   req.InvoiceNumber,
		ReceivedBy:      req.ReceivedBy,
		Notes:           req.Notes,
	}
	var err error
	if out.ManufactureDate, err = parseDate("manufacture_date", req.ManufactureDate); err != nil {
		return out, err
	}
	if out.ExpiryDate, err = parseDate("expiry_date", req.ExpiryDate); err != nil {
		return out, err
	}
	if out.ReceivedDate, err = parseOptionalDate("received_date", req.ReceivedDate); err != nil {
		return out, err
	}
	return out, nil
}

// UpdateBatchRequest is the body of PATCH /batches/{id}. Identity fields
// are accepted so that an attempt to change them is reported.
type UpdateBatchRequest struct {
	BuyingPrice     *decimal.Decimal `json:"buying_price"`
	SellingPrice    *decimal.Decimal `json:"selling_price"`
	MinStock        *int             `json:"min_stock"`
	ReorderPoint    *int             `json:"reorder_point"`
	StorageLocation *string          `json:"storage_location" validate:"omitempty,max=100"`
	SupplierName    *string          `json:"supplier_name" validate:"omitempty,max=255"`
	InvoiceNumber   *string          `json:"invoice_number" validate:"omitempty,max=100"`
	Notes           *string          `json:"notes"`

	BatchNumber     *string `json:"batch_number"`
	ManufactureDate *string `json:"manufacture_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate      *string `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	Quantity        *int    `json:"quantity"`
}

func (req *UpdateBatchRequest) toService() (service.UpdateBatchRequest, error) {
	out := service.UpdateBatchRequest{
		BuyingPrice:     req.BuyingPrice,
		SellingPrice:    req.SellingPrice,
		MinStock:        req.MinStock,
		ReorderPoint:    req.ReorderPoint,
		StorageLocation: req.StorageLocation,
		SupplierName:    req.SupplierName,
		InvoiceNumber:   req.InvoiceNumber,
		Notes:           req.Notes,
		BatchNumber:     req.BatchNumber,
		Quantity:        req.Quantity,
	}
	var err error
	if out.ManufactureDate, err = parseOptionalDate("manufacture_date", req.ManufactureDate); err != nil {
		return out, err
	}
	if out.ExpiryDate, err = parseOptionalDate("expiry_date", req.ExpiryDate); err != nil {
		return out, err
	}
	return out, nil
}

// WriteOffRequest is the body of POST /batches/{id}/write-off
type WriteOffRequest struct {
	ReasonCode string  `json:"reason_code" validate:"required"`
	Notes      *string `json:"notes"`
}

// DispenseLineRequest is one product line of a dispense
type DispenseLineRequest struct {
	ProductID string `json:"product_id" validate:"required,uuid"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// DispenseRequest is the body of POST /dispenses
type DispenseRequest struct {
	Lines    []DispenseLineRequest `json:"lines" validate:"required,min=1,dive"`
	IssuedTo *string               `json:"issued_to" validate:"omitempty,max=255"`
	IssuedBy *string               `json:"issued_by" validate:"omitempty,max=255"`
	Notes    *string               `json:"notes"`
}

func (req *DispenseRequest) toService() service.DispenseRequest {
	out := service.DispenseRequest{
		Lines:    make([]service.DispenseLine, len(req.Lines)),
		IssuedTo: req.IssuedTo,
		IssuedBy: req.IssuedBy,
		Notes:    req.Notes,
	}
	for i, l := range req.Lines {
		out.Lines[i] = service.DispenseLine{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return out
}

// ReturnRequest is the body of POST /returns
type ReturnRequest struct {
	BatchID         string  `json:"batch_id" validate:"required,uuid"`
	Quantity        int     `json:"quantity" validate:"gt=0"`
	ReferenceNumber *string `json:"reference_number" validate:"omitempty,max=50"`
	ReturnedBy      *string `json:"returned_by" validate:"omitempty,max=255"`
	ReasonCode      *string `json:"reason_code"`
	Notes           *string `json:"notes"`
}

// AdjustRequest is the body of POST /adjustments
type AdjustRequest struct {
	ProductID  string  `json:"product_id" validate:"required,uuid"`
	BatchID    *string `json:"batch_id" validate:"omitempty,uuid"`
	Delta      int     `json:"delta"`
	ReasonCode string  `json:"reason_code" validate:"required"`
	Notes      *string `json:"notes"`
}
