package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/digitorus/signserver/forms"
	"github.com/digitorus/signserver/guard"
	"github.com/digitorus/signserver/signing"
	"github.com/digitorus/signserver/store"
)

type templateRequest struct {
	PDFContent string `json:"pdf_content" binding:"required"`
}

type templateResponse struct {
	ID     string        `json:"id"`
	Fields []forms.Field `json:"fields"`
}

// templateError classifies a library failure for op.
func templateError(op string, err error) error {
	switch {
	case errors.Is(err, forms.ErrInvalidTemplateID):
		return signing.E(op, signing.InvalidInput, err)
	case errors.Is(err, store.ErrNotFound):
		return signing.E(op, signing.NotFound, "template not found")
	}
	return signing.E(op, signing.StorageFailure, err)
}

func (s *Server) putTemplate(c *gin.Context) {
	const op = "template"

	var req templateRequest
	if err := bind(c, op, &req); err != nil {
		s.abort(c, err)
		return
	}
	doc, err := s.decode(op, guard.PDF, "pdf_content", req.PDFContent)
	if err != nil {
		s.abort(c, err)
		return
	}
	if _, err := forms.Fields(doc); err != nil {
		s.abort(c, signing.E(op, signing.InvalidInput, err))
		return
	}

	id := c.Param("id")
	fields, err := s.templates.Put(c.Request.Context(), GetOwner(c), id, doc)
	if err != nil {
		s.abort(c, templateError(op, err))
		return
	}

	s.respond(c, op, http.StatusCreated, templateResponse{ID: id, Fields: fields})
}

func (s *Server) listTemplates(c *gin.Context) {
	ids, err := s.templates.List(c.Request.Context(), GetOwner(c))
	if err != nil {
		s.abort(c, templateError("template", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": ids})
}

func (s *Server) getTemplate(c *gin.Context) {
	id := c.Param("id")
	fields, err := s.templates.Fields(c.Request.Context(), GetOwner(c), id)
	if err != nil {
		s.abort(c, templateError("template", err))
		return
	}
	c.JSON(http.StatusOK, templateResponse{ID: id, Fields: fields})
}

func (s *Server) deleteTemplate(c *gin.Context) {
	if err := s.templates.Delete(c.Request.Context(), GetOwner(c), c.Param("id")); err != nil {
		s.abort(c, templateError("template", err))
		return
	}
	c.Status(http.StatusNoContent)
}
