package packager

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxFormSize 表单上限
const maxFormSize = 1 << 20

type Controller struct {
	tasks *TaskManager
}

func NewController(tasks *TaskManager) *Controller {
	return &Controller{tasks: tasks}
}

func (c *Controller) RegisterRoutes(router gin.IRouter) {
	router.GET("/max", c.Max)
	router.GET("/count", c.Count)
	router.GET("/add", c.AddForm)
	router.POST("/add", c.Add)
	router.Any("/ok", c.Ok)
	router.Any("/download", c.Download)
}

func (c *Controller) Max(ctx *gin.Context) {
	ctx.String(http.StatusOK, strconv.Itoa(c.tasks.Max()))
}

func (c *Controller) Count(ctx *gin.Context) {
	ctx.String(http.StatusOK, strconv.Itoa(c.tasks.Count()))
}

func (c *Controller) AddForm(ctx *gin.Context) {
	ctx.String(http.StatusOK, "不支持的操作")
}

// Add 表单字段即构建参数，同名字段取第一个值
func (c *Controller) Add(ctx *gin.Context) {
	req := ctx.Request
	if err := req.ParseMultipartForm(maxFormSize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		ctx.String(http.StatusBadRequest, "noparam")
		return
	}

	params := make(Params, len(req.PostForm))
	for key, values := range req.PostForm {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	if len(params) == 0 {
		ctx.String(http.StatusOK, "noparam")
		return
	}

	code, err := c.tasks.Add(params)
	switch {
	case errors.Is(err, ErrUnknownType):
		ctx.String(http.StatusOK, "只支持: "+strings.Join(VariantNames(), ",")+" 这几种设备版本类型。")
	case err != nil:
		ctx.String(http.StatusServiceUnavailable, "failed")
	default:
		ctx.String(http.StatusOK, code)
	}
}

func (c *Controller) Ok(ctx *gin.Context) {
	if ctx.Request.Method != http.MethodGet {
		ctx.String(http.StatusOK, "notget")
		return
	}
	code := ctx.Query("code")
	if code == "" {
		ctx.String(http.StatusOK, "noparam")
		return
	}

	done, ok := c.tasks.Done(code)
	if !ok {
		ctx.String(http.StatusOK, "unknown")
		return
	}
	ctx.String(http.StatusOK, pyBool(done))
}

// Download 安装包只能下载一次，完整发送后删除
// 客户端中途断开时保留安装包，可以重新下载
func (c *Controller) Download(ctx *gin.Context) {
	if ctx.Request.Method != http.MethodGet {
		ctx.String(http.StatusOK, "不支持非GET请求查询")
		return
	}
	code := ctx.Query("code")
	if code == "" {
		ctx.String(http.StatusOK, "noparam")
		return
	}

	path, err := c.tasks.Claim(ctx.Request.Context(), code)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		ctx.String(http.StatusOK, "unknown")
		return
	case err != nil:
		ctx.String(http.StatusOK, "failed")
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		c.tasks.Purge(code)
		ctx.String(http.StatusOK, "failed")
		return
	}
	ctx.FileAttachment(path, filepath.Base(path))

	written := max(int64(ctx.Writer.Size()), 0)
	if ctx.Request.Context().Err() != nil || written != info.Size() {
		c.tasks.Release(code)
		return
	}
	c.tasks.Purge(code)
}
