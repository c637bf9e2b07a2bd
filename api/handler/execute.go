package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sshcollectorpro/shellexec/internal/service"
	"github.com/sshcollectorpro/shellexec/pkg/logger"
)

// ExecHandler 命令执行处理器
type ExecHandler struct {
	execService *service.ExecService
}

// NewExecHandler 创建命令执行处理器
func NewExecHandler(execService *service.ExecService) *ExecHandler {
	return &ExecHandler{execService: execService}
}

// Execute 执行单条命令
// @Summary 在网络设备上执行一条命令
// @Description 建立 SSH 会话，关闭分页后执行命令并返回规整后的输出
// @Tags exec
// @Accept json
// @Produce json
// @Param request body service.ExecuteRequest true "执行请求"
// @Success 200 {object} service.ExecuteResponse "执行成功"
// @Failure 400 {object} service.ExecuteResponse "请求参数错误"
// @Failure 500 {object} service.ExecuteResponse "执行失败"
// @Router /api/v1/execute [post]
func (h *ExecHandler) Execute(c *gin.Context) {
	var request service.ExecuteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		logger.WithField("error", err.Error()).Warn("Invalid request parameters")
		c.JSON(http.StatusBadRequest, service.ExecuteResponse{
			Status:  service.StatusError,
			Host:    request.Host,
			Command: request.Command,
			Message: "invalid request: " + err.Error(),
		})
		return
	}
	request.RequestID = c.GetString("request_id")

	resp := h.execService.Execute(c.Request.Context(), &request)
	c.JSON(statusCode(resp), resp)
}

// statusCode 参数错误返回 400，其余引擎错误统一 500
func statusCode(resp *service.ExecuteResponse) int {
	switch {
	case resp.Status == service.StatusSuccess:
		return http.StatusOK
	case resp.ErrorKind == "InvalidRequest":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Health 健康检查
func (h *ExecHandler) Health(c *gin.Context) {
	stats := h.execService.GetStats()
	if !stats.Running {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "exec service is not running",
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "ok",
		Data:    stats,
	})
}

// GetStats 执行统计
func (h *ExecHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "ok",
		Data:    h.execService.GetStats(),
	})
}

// ListExecutions 查询执行历史
// @Router /api/v1/executions [get]
func (h *ExecHandler) ListExecutions(c *gin.Context) {
	history := h.execService.History()
	if history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "HISTORY_DISABLED",
			Message: "execution history is disabled",
		})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	filter := service.HistoryFilter{
		Host:     c.Query("host"),
		Status:   c.Query("status"),
		Page:     page,
		PageSize: pageSize,
	}.Normalized()
	items, total, err := history.List(c.Request.Context(), filter)
	if err != nil {
		logger.WithField("error", err.Error()).Error("Failed to list executions")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Code:    "QUERY_FAILED",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "ok",
		Data: PageData{
			Items:    items,
			Total:    total,
			Page:     filter.Page,
			PageSize: filter.PageSize,
		},
	})
}
