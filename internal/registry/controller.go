package registry

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"ipkforge/pkg/model"
)

type Controller struct {
	registry *Registry
	nodePort int
}

// NewController nodePort 为调用方没有携带 port 参数时使用的端口
func NewController(registry *Registry, nodePort int) *Controller {
	return &Controller{registry: registry, nodePort: nodePort}
}

func (c *Controller) RegisterRoutes(router gin.IRouter) {
	router.GET("/online", c.Online)
	router.GET("/offline", c.Offline)
	router.GET("/getlist", c.GetList)
}

func (c *Controller) Online(ctx *gin.Context) {
	addr, ok := c.callerAddress(ctx)
	if !ok {
		ctx.String(http.StatusOK, "no")
		return
	}
	if c.registry.Online(ctx.Request.Context(), addr) {
		ctx.String(http.StatusOK, "yes")
		return
	}
	ctx.String(http.StatusOK, "no")
}

func (c *Controller) Offline(ctx *gin.Context) {
	if addr, ok := c.callerAddress(ctx); ok {
		c.registry.Offline(ctx.Request.Context(), addr)
	}
	ctx.String(http.StatusOK, "yes")
}

func (c *Controller) GetList(ctx *gin.Context) {
	members := c.registry.List()
	addrs := make([]string, 0, len(members))
	for _, addr := range members {
		addrs = append(addrs, addr.String())
	}
	ctx.String(http.StatusOK, strings.Join(addrs, ","))
}

// callerAddress 调用方 IP + 声明的端口
func (c *Controller) callerAddress(ctx *gin.Context) (model.NodeAddress, bool) {
	host, _, err := net.SplitHostPort(ctx.Request.RemoteAddr)
	if err != nil {
		host = ctx.Request.RemoteAddr
	}
	if host == "" {
		return "", false
	}

	port := c.nodePort
	if raw := ctx.Query("port"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return "", false
		}
		port = p
	}
	return model.NodeAddress(net.JoinHostPort(host, strconv.Itoa(port))), true
}
