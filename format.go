package weatherflow

import (
	"context"
	"fmt"
	"strings"
)

// defaultFormatter renders answers deterministically from snapshot
// fields. It is used whenever no model-backed formatter is configured.
type defaultFormatter struct{}

func (defaultFormatter) Format(_ context.Context, intent *Intent, city CityRecord, snapshot *WeatherSnapshot) (string, error) {
	if snapshot == nil {
		return "", NewInternalError("format", "no snapshot to format", nil)
	}

	switch {
	case snapshot.Live != nil:
		return formatLive(city, snapshot.Live), nil
	case len(snapshot.Forecast) > 0:
		return formatForecast(city, snapshot.Forecast), nil
	}
	return "", NewInternalError("format", "snapshot has neither live nor forecast data", nil)
}

func formatLive(city CityRecord, live *LiveConditions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s当前天气：%s，气温%d°C，湿度%d%%",
		displayName(city), live.Condition, live.Temperature, live.Humidity)
	if live.WindDirection != "" {
		fmt.Fprintf(&b, "，%s风%s级", live.WindDirection, live.WindPower)
	}
	if live.ReportTime != "" {
		fmt.Fprintf(&b, "（%s发布）", live.ReportTime)
	}
	return b.String()
}

func formatForecast(city CityRecord, days []ForecastDay) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s未来%d天天气预报：\n", displayName(city), len(days))
	for _, day := range days {
		fmt.Fprintf(&b, "%s（%s）：白天%s，夜间%s，%d°C ~ %d°C\n",
			day.Date, weekdayName(day.Week), day.DayCondition, day.NightCondition,
			day.NightTemp, day.DayTemp)
	}
	return strings.TrimRight(b.String(), "\n")
}

// displayName prefixes the province when it adds information.
func displayName(city CityRecord) string {
	if city.Province != "" && city.Province != city.Name {
		return city.Province + city.Name
	}
	return city.Name
}

var weekdays = map[string]string{
	"1": "周一", "2": "周二", "3": "周三", "4": "周四",
	"5": "周五", "6": "周六", "7": "周日",
}

func weekdayName(week string) string {
	if name, ok := weekdays[week]; ok {
		return name
	}
	return "周" + week
}

// UserMessage renders an error into a message suitable for end users,
// hiding transport details while keeping actionable information.
func UserMessage(err error) string {
	qe, ok := AsQueryError(err)
	if !ok {
		return "查询失败，请稍后再试。"
	}

	switch qe.Code {
	case ErrCodeCityNotFound:
		return "未找到该城市，请检查城市名称。"
	case ErrCodeCityAmbiguous:
		if candidates, ok := qe.Details.([]CityRecord); ok && len(candidates) > 0 {
			names := make([]string, 0, len(candidates))
			for _, c := range candidates {
				names = append(names, displayName(c))
			}
			return "找到多个同名城市，请指明其一：" + strings.Join(names, "、")
		}
		return "找到多个同名城市，请补充省份信息。"
	case ErrCodeRateLimited:
		return "查询过于频繁，请稍后再试。"
	case ErrCodeTimeout:
		return "天气服务响应超时，请稍后再试。"
	case ErrCodeProviderTransient:
		return "天气服务暂时不可用，请稍后再试。"
	case ErrCodeProviderPermanent:
		return "天气服务配置有误，请联系管理员。"
	case ErrCodeValidation:
		return "请求参数无效：" + qe.Message
	case ErrCodeCancelled:
		return "查询已取消。"
	}
	return "查询失败，请稍后再试。"
}
