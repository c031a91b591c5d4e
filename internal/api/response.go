package api

import (
	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// respond writes body as JSON. Encoding failures surface through gin.Recovery as a 500.
func respond(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// fail writes an error envelope and stops the handler chain.
func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, models.Error(message))
}
