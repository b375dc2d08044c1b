package validation

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestValidationErrors_Error(t *testing.T) {
	var errs ValidationErrors
	assert.Equal(t, "validation failed", errs.Error())
	assert.NoError(t, errs.Err())

	errs.Add("k", "must be positive")
	assert.Equal(t, "k: must be positive", errs.Error())

	errs.Add("t_min", "must be a finite number")
	assert.Equal(t, "k: must be positive (and 1 more)", errs.Error())
	assert.Error(t, errs.Err())
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("name", "  "),
		MaxLength("name", strings.Repeat("x", 5), 4),
		Finite("k", math.NaN()),
		InRange("s0", 0.5, 0, 1),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "name", errs[0].Field)
	assert.Equal(t, "exceeds maximum length of 4", errs[1].Message)
	assert.Equal(t, "k", errs[2].Field)
}

func TestInRange(t *testing.T) {
	assert.Nil(t, InRange("x", 0, 0, 1)())
	assert.Nil(t, InRange("x", 1, 0, 1)())
	assert.NotNil(t, InRange("x", -0.1, 0, 1)())
	assert.NotNil(t, InRange("x", 1.1, 0, 1)())
}

func TestIsAddressLike(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7", true},
		{"abc", true},
		{"", false},
		{"0x12 34", false},
		{"0x../etc", false},
		{strings.Repeat("a", MaxAddressLength+1), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsAddressLike(tc.addr), tc.addr)
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/a/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a/TLa2f6VPqDgRE67v1736s7bJ8Ray5wYjU7", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/a/bad%21addr", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_address")
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.POST("/", RequestSizeMiddleware(8), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("[]")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
