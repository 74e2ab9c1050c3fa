package compiler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ipkforge/pkg/model"
	"ipkforge/pkg/store"
)

const helpText = `online    GET  节点是否在线 (yes)
busy      GET  编译槽位是否已满 (True / False)
count     GET  正在编译的数量
up        POST multipart 字段 file，返回内容哈希
ok        GET  ?code=<hash> True / False / unknown
down      GET  ?code=<hash> 下载 <name>.so，失败返回 failed
del       GET  ?code=<hash> success / failed
`

const uploadForm = `<!DOCTYPE html>
<html>
<body>
<form method="post" action="up" enctype="multipart/form-data">
<input type="file" name="file">
<input type="submit" value="upload">
</form>
</body>
</html>
`

// maxUploadSize 单个源文件上限
const maxUploadSize = 32 << 20

type Controller struct {
	service *Service
}

func NewController(service *Service) *Controller {
	return &Controller{service: service}
}

func (c *Controller) RegisterRoutes(router gin.IRouter) {
	router.GET("/", c.Help)
	router.GET("/help", c.Help)
	router.GET("/online", c.Online)
	router.GET("/busy", c.Busy)
	router.GET("/count", c.Count)
	router.GET("/up", c.UploadForm)
	router.POST("/up", c.Upload)
	router.Any("/ok", c.Ok)
	router.GET("/down", c.Download)
	router.GET("/del", c.Delete)
}

func (c *Controller) Help(ctx *gin.Context) {
	ctx.String(http.StatusOK, helpText)
}

func (c *Controller) Online(ctx *gin.Context) {
	ctx.String(http.StatusOK, "yes")
}

func (c *Controller) Busy(ctx *gin.Context) {
	ctx.String(http.StatusOK, pyBool(c.service.Busy()))
}

func (c *Controller) Count(ctx *gin.Context) {
	ctx.String(http.StatusOK, strconv.Itoa(c.service.Count()))
}

func (c *Controller) UploadForm(ctx *gin.Context) {
	ctx.Data(http.StatusOK, "text/html; charset=utf-8", []byte(uploadForm))
}

func (c *Controller) Upload(ctx *gin.Context) {
	header, err := ctx.FormFile("file")
	if err != nil {
		ctx.String(http.StatusBadRequest, "failed")
		return
	}
	if header.Size > maxUploadSize {
		ctx.String(http.StatusRequestEntityTooLarge, "failed")
		return
	}

	file, err := header.Open()
	if err != nil {
		ctx.String(http.StatusInternalServerError, "failed")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		ctx.String(http.StatusInternalServerError, "failed")
		return
	}

	hash, err := c.service.Upload(ctx.Request.Context(), header.Filename, data)
	if err != nil {
		ctx.String(http.StatusInternalServerError, "failed")
		return
	}
	ctx.String(http.StatusOK, hash)
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

	switch c.service.Status(code) {
	case model.StatusDone:
		ctx.String(http.StatusOK, "True")
	case model.StatusPending:
		ctx.String(http.StatusOK, "False")
	default:
		ctx.String(http.StatusOK, "unknown")
	}
}

func (c *Controller) Download(ctx *gin.Context) {
	code := ctx.Query("code")
	if code == "" {
		ctx.String(http.StatusOK, "failed")
		return
	}

	path, name, err := c.service.Fetch(ctx.Request.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		ctx.String(http.StatusOK, "failed")
		return
	}
	if err != nil {
		ctx.String(http.StatusInternalServerError, "failed")
		return
	}
	ctx.FileAttachment(path, name)
}

func (c *Controller) Delete(ctx *gin.Context) {
	code := ctx.Query("code")
	if code == "" {
		ctx.String(http.StatusOK, "failed")
		return
	}

	removed, err := c.service.Delete(ctx.Request.Context(), code)
	if err != nil || !removed {
		ctx.String(http.StatusOK, "failed")
		return
	}
	ctx.String(http.StatusOK, "success")
}

// pyBool 旧客户端按 Python 的布尔字面量解析
func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
