package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/racai-ai/saroj/internal/export"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ExportHandler struct {
	svc    *export.Service
	logger *slog.Logger
}

func NewExportHandler(svc *export.Service, logger *slog.Logger) *ExportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportHandler{svc: svc, logger: logger}
}

// ExportTasks streams the finalized-task report. Optional from_date and
// to_date query parameters (YYYY-MM-DD) narrow it.
func (h *ExportHandler) ExportTasks(c *gin.Context) {
	var w export.Window
	if fd := strings.TrimSpace(c.Query("from_date")); fd != "" {
		t, err := time.Parse("2006-01-02", fd)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "ERROR", "message": "from_date must be YYYY-MM-DD"})
			return
		}
		w.From = &t
	}
	if td := strings.TrimSpace(c.Query("to_date")); td != "" {
		t, err := time.Parse("2006-01-02", td)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "ERROR", "message": "to_date must be YYYY-MM-DD"})
			return
		}
		w.To = &t
	}

	xlsx, err := h.svc.ExportTasksXLSX(c.Request.Context(), w)
	if err != nil {
		h.logger.Error("export.xlsx.failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "ERROR", "message": "export failed"})
		return
	}
	name := fmt.Sprintf("tasks-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, xlsxMIME, xlsx)
}
