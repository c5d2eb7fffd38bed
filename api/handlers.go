package api

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/gin-gonic/gin"

	"github.com/digitorus/signserver/convert"
	"github.com/digitorus/signserver/flow"
	"github.com/digitorus/signserver/guard"
	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/signing"
	"github.com/digitorus/signserver/verify"
)

// fieldRequest describes the signature field to create.
type fieldRequest struct {
	FieldName   string     `json:"field_name"`
	SignerName  string     `json:"signer_name"`
	Reason      string     `json:"reason"`
	Location    string     `json:"location"`
	ContactInfo string     `json:"contact_info"`
	Page        int        `json:"sign_page_number"`
	Rect        *flow.Rect `json:"sign_rect"`
	Image       string     `json:"sign_image_content"`
}

// tsaRequest overrides the configured time-stamp authority.
type tsaRequest struct {
	URL      string `json:"tsa_url"`
	Username string `json:"tsa_username"`
	Password string `json:"tsa_password"`
}

type presignRequest struct {
	PDFContent     string `json:"pdf_content" binding:"required"`
	CertificatePEM string `json:"certificate_pem" binding:"required"`
	fieldRequest
	tsaRequest
	TimestampOptional bool `json:"timestamp_optional"`
}

type signRequest struct {
	ID        string `json:"id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type signPFXRequest struct {
	PDFContent  string `json:"pdf_content" binding:"required"`
	PFXContent  string `json:"pfx_content" binding:"required"`
	PFXPassword string `json:"pfx_password"`
	fieldRequest
	tsaRequest
	TimestampOptional bool `json:"timestamp_optional"`
}

type timestampRequest struct {
	PDFContent string `json:"pdf_content" binding:"required"`
	fieldRequest
	tsaRequest
}

type attachmentRequest struct {
	PDFContent        string `json:"pdf_content" binding:"required"`
	AttachmentContent string `json:"attachment_content" binding:"required"`
	FileName          string `json:"file_name" binding:"required"`
	Description       string `json:"description"`
	MimeType          string `json:"mime_type"`
}

type pdfaRequest struct {
	PDFContent  string `json:"pdf_content" binding:"required"`
	Conformance string `json:"conformance"`
}

type verifyRequest struct {
	PDFContent string `json:"pdf_content" binding:"required"`
}

type startFlowRequest struct {
	PDFContents []string           `json:"pdf_contents"`
	FillPDF     *flow.TemplateSpec `json:"fill_pdf"`
	Flow        []flow.Operation   `json:"flow"`
}

type flowSignature struct {
	ID        string `json:"id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type completeFlowRequest struct {
	Signatures []flowSignature `json:"signatures" binding:"required,dive"`
}

type documentResponse struct {
	PDF []byte `json:"pdf"`
}

// bind decodes the JSON body into v.
func bind(c *gin.Context, op string, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		if isMaxBytesError(err) {
			return fmt.Errorf("%w: request body", guard.ErrTooLarge)
		}
		return signing.E(op, signing.InvalidInput, err)
	}
	return nil
}

// decode checks the decoded size of a base64 payload against the limit
// for kind before decoding it.
func (s *Server) decode(op string, kind guard.Kind, name, value string) ([]byte, error) {
	if err := s.limits.CheckBase64(kind, value); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, signing.E(op, signing.InvalidInput, fmt.Errorf("%s is not valid base64", name))
	}
	return data, nil
}

func (s *Server) field(op string, r fieldRequest) (sign.Field, error) {
	f := sign.Field{
		Name:        r.FieldName,
		Page:        r.Page,
		SignerName:  r.SignerName,
		Reason:      r.Reason,
		Location:    r.Location,
		ContactInfo: r.ContactInfo,
	}
	if r.Rect != nil {
		f.Rect = sign.RectFromSize(r.Rect.X, r.Rect.Y, r.Rect.Width, r.Rect.Height)
	}
	if r.Image != "" {
		image, err := s.decode(op, guard.Image, "sign_image_content", r.Image)
		if err != nil {
			return f, err
		}
		f.Image = image
	}
	return f, nil
}

func (r tsaRequest) config(op string) (*signing.TSAConfig, error) {
	if r.URL == "" {
		return nil, nil
	}
	if !govalidator.IsRequestURL(r.URL) {
		return nil, signing.E(op, signing.InvalidInput, "tsa_url is not a valid URL")
	}
	return &signing.TSAConfig{URL: r.URL, Username: r.Username, Password: r.Password}, nil
}

// convertError classifies a conversion failure. pdfcpu reports unreadable
// input the same way as unsupported content, so both are invalid input.
func convertError(op string, err error) error {
	return signing.E(op, signing.InvalidInput, err)
}

func (s *Server) presign(c *gin.Context) {
	const op = "presign"

	var req presignRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	doc, err := s.decode(op, guard.PDF, "pdf_content", req.PDFContent)
	if err != nil {
		s.abort(c, err)
		return
	}
	field, err := s.field(op, req.fieldRequest)
	if err != nil {
		s.abort(c, err)
		return
	}
	tsaConfig, err := req.tsaRequest.config(op)
	if err != nil {
		s.abort(c, err)
		return
	}

	result, err := s.signing.Presign(c.Request.Context(), signing.PresignInput{
		Owner:             GetOwner(c),
		Document:          doc,
		ChainPEM:          []byte(req.CertificatePEM),
		Field:             field,
		TSA:               tsaConfig,
		TimestampOptional: req.TimestampOptional,
	})
	if err != nil {
		s.abort(c, err)
		return
	}

	s.respond(c, op, http.StatusOK, result)
}

func (s *Server) sign(c *gin.Context) {
	const op = "sign"

	var req signRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	signed, err := s.signing.Finalize(c.Request.Context(), GetOwner(c), req.ID, req.Signature)
	if err != nil {
		s.abort(c, err)
		return
	}

	s.respond(c, op, http.StatusOK, documentResponse{PDF: signed})
}

func (s *Server) signPFX(c *gin.Context) {
	const op = "sign-pfx"

	var req signPFXRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	doc, err := s.decode(op, guard.PDF, "pdf_content", req.PDFContent)
	if err != nil {
		s.abort(c, err)
		return
	}
	bundle, err := base64.StdEncoding.DecodeString(req.PFXContent)
	if err != nil {
		s.abort(c, signing.E(op, signing.InvalidInput, "pfx_content is not valid base64"))
		return
	}
	field, err := s.field(op, req.fieldRequest)
	if err != nil {
		s.abort(c, err)
		return
	}
	tsaConfig, err := req.tsaRequest.config(op)
	if err != nil {
		s.abort(c, err)
		return
	}

	signed, err := s.signing.SignWithKeyBundle(c.Request.Context(), signing.KeyBundleInput{
		Document:          doc,
		Bundle:            bundle,
		Password:          req.PFXPassword,
		Field:             field,
		TSA:               tsaConfig,
		TimestampOptional: req.TimestampOptional,
	})
	if err != nil {
		s.abort(c, err)
		return
	}

	s.respond(c, op, http.StatusOK, documentResponse{PDF: signed})
}

func (s *Server) timestamp(c *gin.Context) {
	const op = "timestamp"

	var req timestampRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	doc, err := s.decode(op, guard.PDF, "pdf_content", req.PDFContent)
	if err != nil {
		s.abort(c, err)
		return
	}
	field, err := s.field(op, req.fieldRequest)
	if err != nil {
		s.abort(c, err)
		return
	}
	tsaConfig, err := req.tsaRequest.config(op)
	if err != nil {
		s.abort(c, err)
		return
	}

	stamped, err := s.signing.TimestampWithTSA(c.Request.Context(), doc, field, tsaConfig)
	if err != nil {
		s.abort(c, err)
		return
	}

	s.respond(c, op, http.StatusOK, documentResponse{PDF: stamped})
}

func (s *Server) attachment(c *gin.Context) {
	const op = "attachment"

	var req attachmentRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	doc, err := s.decode(op, guard.PDF, "pdf_content", req.PDFContent)
	if err != nil {
		s.abort(c, err)
		return
	}
	data, err := s.decode(op, guard.Attachment, "attachment_content", req.AttachmentContent)
	if err != nil {
		s.abort(c, err)
		return
	}

	out, err := s.converter.AddAttachment(c.Request.Context(), doc, convert.Attachment{
		FileName:    req.FileName,
		Description: req.Description,
		Data:        data,
	})
	if err != nil {
		s.abort(c, convertError(op, err))
		return
	}

	s.respond(c, op, http.StatusOK, documentResponse{PDF: out})
}

func (s *Server) pdfa(c *gin.Context) {
	const op = "pdfa"

	var req pdfaRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	doc, err := s.decode(op, guard.PDF, "pdf_content", req.PDFContent)
	if err != nil {
		s.abort(c, err)
		return
	}

	out, err := s.converter.ToPDFA(c.Request.Context(), doc, req.Conformance)
	if err != nil {
		s.abort(c, convertError(op, err))
		return
	}

	s.respond(c, op, http.StatusOK, documentResponse{PDF: out})
}

func (s *Server) verify(c *gin.Context) {
	const op = "verify"

	var req verifyRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	doc, err := s.decode(op, guard.PDF, "pdf_content", req.PDFContent)
	if err != nil {
		s.abort(c, err)
		return
	}

	report, err := verify.NewReport(doc, verify.DefaultOptions())
	if err != nil {
		s.abort(c, signing.E(op, signing.InvalidInput, err))
		return
	}

	s.respond(c, op, http.StatusOK, report)
}

// checkOperation applies the size limits to the payloads of a flow step.
func (s *Server) checkOperation(op flow.Operation) error {
	var image []byte
	switch op.Kind {
	case flow.KindAttachment:
		if op.Attachment != nil {
			if err := s.limits.Check(guard.Attachment, int64(len(op.Attachment.Content))); err != nil {
				return err
			}
		}
	case flow.KindTimestamp:
		if op.Timestamp != nil {
			image = op.Timestamp.Image
		}
	case flow.KindSignPFX:
		if op.SignPFX != nil {
			image = op.SignPFX.Image
		}
	case flow.KindPresign:
		if op.Presign != nil {
			image = op.Presign.Image
		}
	}
	return s.limits.Check(guard.Image, int64(len(image)))
}

func (s *Server) startFlow(c *gin.Context) {
	const op = "flow"

	var req startFlowRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	src := flow.Source{Template: req.FillPDF}
	for i, content := range req.PDFContents {
		doc, err := s.decode(op, guard.PDF, fmt.Sprintf("pdf_contents[%d]", i), content)
		if err != nil {
			s.abort(c, err)
			return
		}
		src.Documents = append(src.Documents, doc)
	}
	for _, operation := range req.Flow {
		if err := s.checkOperation(operation); err != nil {
			s.abort(c, err)
			return
		}
	}

	id, err := s.flows.Start(c.Request.Context(), GetOwner(c), src, req.Flow)
	if err != nil {
		s.abort(c, err)
		return
	}

	s.respond(c, op, http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) flowStatus(c *gin.Context) {
	view, err := s.flows.Status(c.Request.Context(), c.Param("id"), GetOwner(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) completeFlow(c *gin.Context) {
	const op = "flow-sign"

	var req completeFlowRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}

	signatures := make(map[string]string, len(req.Signatures))
	for _, sig := range req.Signatures {
		if _, ok := signatures[sig.ID]; ok {
			s.abort(c, signing.E(op, signing.InvalidInput, fmt.Sprintf("duplicate signature for %s", sig.ID)))
			return
		}
		signatures[sig.ID] = sig.Signature
	}

	view, err := s.flows.CompleteSignatures(c.Request.Context(), c.Param("id"), GetOwner(c), signatures)
	if err != nil {
		s.abort(c, err)
		return
	}

	s.respond(c, op, http.StatusOK, view)
}
