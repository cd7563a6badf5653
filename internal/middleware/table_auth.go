package middleware

import (
	"strings"

	"github.com/Tele-AI/nl2sql/pkg/log"
	"github.com/Tele-AI/nl2sql/pkg/token"
	"github.com/gin-gonic/gin"
)

// AllowedTablesKey 存放表权限声明中可访问 table_id 集合的 context key。
const AllowedTablesKey = "allowed_tables"

// TableAuth 创建一个 Gin 中间件，解析可选的表权限 token。
// token 缺失或非法不会中止请求：是否强制校验由租户的 enable_table_auth 决定，
// 这里只负责把声明解出来放进上下文。
func TableAuth(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.Next()
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			log.Warnf("表权限 token 解析失败: %v", err)
			c.Next()
			return
		}

		c.Set(AllowedTablesKey, claims.TableIDs)
		c.Set("token_bizid", claims.Bizid)
		c.Next()
	}
}

// AllowedTables 从上下文取出表权限集合，未携带 token 时返回 nil。
func AllowedTables(c *gin.Context) []string {
	v, ok := c.Get(AllowedTablesKey)
	if !ok {
		return nil
	}
	ids, _ := v.([]string)
	return ids
}
