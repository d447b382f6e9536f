package handlers

import (
	"net/http"

	"github.com/SAP-F-2025/exam-session/internal/services"
	"github.com/SAP-F-2025/exam-session/internal/utils"
	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type AnswerKeyHandler struct {
	BaseHandler
	importer *services.AnswerKeyImporter
}

func NewAnswerKeyHandler(importer *services.AnswerKeyImporter, logger utils.Logger) *AnswerKeyHandler {
	return &AnswerKeyHandler{
		BaseHandler: NewBaseHandler(logger),
		importer:    importer,
	}
}

// ImportAnswerKeys reads a spreadsheet from the "file" form field
// @Accept multipart/form-data
// @Router /modules/{module_id}/answer-keys/import [post]
func (h *AnswerKeyHandler) ImportAnswerKeys(c *gin.Context) {
	moduleID := ParseStringIDParam(c, "module_id")
	if moduleID == "" {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "file is required", err)
		return
	}
	h.LogRequest(c, "Importing answer keys", "module_id", moduleID, "filename", fileHeader.Filename, "size", fileHeader.Size)

	file, err := fileHeader.Open()
	if err != nil {
		h.RespondWithError(c, http.StatusBadRequest, "cannot read uploaded file", err)
		return
	}
	defer file.Close()

	summary, err := h.importer.ImportFile(c.Request.Context(), moduleID, file, fileHeader.Filename)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	h.RespondWithSuccess(c, http.StatusOK, "Answer keys imported", summary)
}

// @Router /modules/{module_id}/answer-keys/export [get]
func (h *AnswerKeyHandler) ExportAnswerKeys(c *gin.Context) {
	moduleID := ParseStringIDParam(c, "module_id")
	if moduleID == "" {
		return
	}

	data, err := h.importer.ExportExcel(c.Request.Context(), moduleID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename=answer-keys-"+moduleID+".xlsx")
	c.Data(http.StatusOK, xlsxContentType, data)
}
